package scheduler

import (
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/transferfleet/afd/internal/mdb"
)

// Binaries maps a scheme to the sf_* worker executable that handles it:
// `sf_ftp`, `sf_smtp`, `sf_loc`, `sf_wmo`.
type Binaries struct {
	FTP  string
	SMTP string
	Loc  string
	WMO  string
}

func (b Binaries) forScheme(s mdb.Scheme) (string, error) {
	switch s {
	case mdb.SchemeFTP:
		return b.FTP, nil
	case mdb.SchemeSMTP:
		return b.SMTP, nil
	case mdb.SchemeLOC:
		return b.Loc, nil
	case mdb.SchemeWMO:
		return b.WMO, nil
	default:
		return "", fmt.Errorf("scheduler: no worker binary registered for scheme %s", s)
	}
}

// ExecLauncher forks the sf_* binary matching a task's scheme:
// `-w <work_dir> -m <msg_name> -a <host_alias> -j <connect_slot> [-f]
// [-b [-n <max>]] [-t]`. Workers always run on the local host.
type ExecLauncher struct {
	Binaries Binaries
	WorkDir  string

	// MaxBurst is cfg.Workers.MaxBurst; it's only ever passed down to a
	// worker whose Task.Burst the scheduler set, so a scheme that can't
	// burst never sees -n at all regardless of this being >1 globally.
	MaxBurst int

	// TransDebug passes -t so workers tee their debug log onto
	// trans_debug_fifo.
	TransDebug bool

	// ArchiveStepTime is cfg.Poll.ArchiveStepTime, handed to workers as
	// -s so their archive engines quantize bucket_time on the same grid
	// the reconciler's cleanup expects. 0 leaves the workers' default.
	ArchiveStepTime time.Duration

	// Procs tracks started *exec.Cmd by pid so Supervisor can Wait() on
	// them once their pid is reaped off the completion fifo.
	Procs map[int32]*exec.Cmd
}

// NewExecLauncher builds a launcher rooted at workDir with the given
// worker binary paths.
func NewExecLauncher(workDir string, bins Binaries) *ExecLauncher {
	return &ExecLauncher{Binaries: bins, WorkDir: workDir, MaxBurst: 1, Procs: make(map[int32]*exec.Cmd)}
}

func (l *ExecLauncher) Launch(t Task) (int32, error) {
	bin, err := l.Binaries.forScheme(t.Scheme)
	if err != nil {
		return 0, err
	}
	if bin == "" {
		return 0, fmt.Errorf("scheduler: no binary configured for scheme %s", t.Scheme)
	}

	args := []string{
		"-w", l.WorkDir,
		"-m", t.MsgName.String(),
		"-a", t.HostAlias,
		"-j", strconv.Itoa(t.ConnectSlot),
	}
	if t.InErrorDir {
		args = append(args, "-f")
	}
	if t.Burst {
		args = append(args, "-b")
		if l.MaxBurst > 1 {
			args = append(args, "-n", strconv.Itoa(l.MaxBurst))
		}
	}
	if l.TransDebug {
		args = append(args, "-t")
	}
	if l.ArchiveStepTime > 0 {
		args = append(args, "-s", strconv.Itoa(int(l.ArchiveStepTime/time.Second)))
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = l.WorkDir
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("scheduler: start %s: %w", bin, err)
	}

	pid := int32(cmd.Process.Pid)
	l.Procs[pid] = cmd
	return pid, nil
}

// Reap waits on a previously started process and classifies its exit.
func (l *ExecLauncher) Reap(pid int32) (Result, error) {
	cmd, ok := l.Procs[pid]
	if !ok {
		return Result{}, fmt.Errorf("scheduler: reap: no tracked process for pid %d", pid)
	}
	delete(l.Procs, pid)

	err := cmd.Wait()
	state := cmd.ProcessState
	if err == nil {
		return Result{Outcome: OutcomeSuccess, ExitCode: 0}, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Result{}, fmt.Errorf("scheduler: wait pid %d: %w", pid, err)
	}
	if state != nil && !state.Exited() {
		return Result{Outcome: OutcomeKilled, ExitCode: -1}, nil
	}
	code := exitErr.ExitCode()
	return Result{Outcome: ClassifyExit(code, false), ExitCode: code}, nil
}
