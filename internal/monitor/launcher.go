package monitor

import (
	"fmt"
	"os/exec"
	"strconv"
)

// Launcher forks the `mon` worker binary for one configured AFD index.
// Mirrors scheduler.Launcher/ExecLauncher's shape, generalised from
// dispatching by scheme to dispatching by MSA index.
type Launcher interface {
	Launch(msaIndex int) (pid int32, err error)
}

// Reaper waits on a previously launched `mon` worker pid.
type Reaper interface {
	Reap(pid int32) (exitErr error, err error)
}

// ExecLauncher forks the real `mon` binary.
type ExecLauncher struct {
	Binary  string
	WorkDir string

	Procs map[int32]*exec.Cmd
}

func NewExecLauncher(binary, workDir string) *ExecLauncher {
	return &ExecLauncher{Binary: binary, WorkDir: workDir, Procs: make(map[int32]*exec.Cmd)}
}

func (l *ExecLauncher) Launch(msaIndex int) (int32, error) {
	cmd := exec.Command(l.Binary, "-w", l.WorkDir, "-i", strconv.Itoa(msaIndex))
	cmd.Dir = l.WorkDir
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("monitor: start %s: %w", l.Binary, err)
	}
	pid := int32(cmd.Process.Pid)
	l.Procs[pid] = cmd
	return pid, nil
}

func (l *ExecLauncher) Reap(pid int32) (exitErr, err error) {
	cmd, ok := l.Procs[pid]
	if !ok {
		return nil, fmt.Errorf("monitor: reap: no tracked process for pid %d", pid)
	}
	delete(l.Procs, pid)
	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil, nil
	}
	if _, ok := waitErr.(*exec.ExitError); ok {
		return waitErr, nil
	}
	return nil, waitErr
}
