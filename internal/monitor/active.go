package monitor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/fifo"
)

// ProbeTimeout bounds how long Bootstrap waits for a previous supervisor
// to answer IS_ALIVE before declaring it stale.
const ProbeTimeout = 10 * time.Second

// ActiveFile is the parsed contents of AFD_MON_ACTIVE: the supervisor's
// own pid, its two log process pids, and every live worker pid.
type ActiveFile struct {
	SupervisorPID int32
	LogPids       [2]int32
	WorkerPids    []int32
}

// AllPids returns every pid recorded in the file, for the stale-probe
// kill sweep.
func (a ActiveFile) AllPids() []int32 {
	out := []int32{a.SupervisorPID, a.LogPids[0], a.LogPids[1]}
	return append(out, a.WorkerPids...)
}

// writeActiveFile regenerates AFD_MON_ACTIVE from the supervisor's current
// worker pid table. One line per field, in AllPids order, simple enough
// that a stale-probe reader needs no framing.
func (s *Supervisor) writeActiveFile() error {
	if s.ActiveFile == "" {
		return nil
	}
	s.mu.Lock()
	worker := make([]int32, 0, len(s.pids))
	for i := 0; i < len(s.Configs); i++ {
		if pid, ok := s.pids[i]; ok {
			worker = append(worker, pid)
		}
	}
	s.mu.Unlock()

	af := ActiveFile{SupervisorPID: int32(os.Getpid()), WorkerPids: worker}
	return WriteActiveFile(s.ActiveFile, af)
}

// WriteActiveFile serialises af to path, replacing any existing file.
func WriteActiveFile(path string, af ActiveFile) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n%d %d\n", af.SupervisorPID, af.LogPids[0], af.LogPids[1])
	for _, pid := range af.WorkerPids {
		fmt.Fprintf(&sb, "%d\n", pid)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0640); err != nil {
		return fmt.Errorf("monitor: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// ReadActiveFile parses an existing AFD_MON_ACTIVE file.
func ReadActiveFile(path string) (ActiveFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ActiveFile{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var af ActiveFile
	if sc.Scan() {
		v, _ := strconv.Atoi(strings.TrimSpace(sc.Text()))
		af.SupervisorPID = int32(v)
	}
	if sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 {
			p0, _ := strconv.Atoi(fields[0])
			p1, _ := strconv.Atoi(fields[1])
			af.LogPids = [2]int32{int32(p0), int32(p1)}
		}
	}
	for sc.Scan() {
		v, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			continue
		}
		af.WorkerPids = append(af.WorkerPids, int32(v))
	}
	return af, sc.Err()
}

// PreviousSupervisorProbe sends IS_ALIVE on the FD/afd_mon command fifo
// and waits for an ACKN response. FifoProbe appends a fresh uuid to the
// request; the responder does not echo it, so any ACKN counts as the answer.
type PreviousSupervisorProbe interface {
	IsAlive(ctx context.Context) (bool, error)
}

// FifoProbe implements PreviousSupervisorProbe over the real command/
// response fifos.
type FifoProbe struct {
	Cmd  *fifo.Channel
	Resp *fifo.Channel
}

func (p *FifoProbe) IsAlive(ctx context.Context) (bool, error) {
	correlationID := uuid.New()
	if err := p.Cmd.WriteFrame(fifo.TypeFDCmd, append([]byte{fifo.CmdIsAlive}, correlationID[:]...)); err != nil {
		return false, err
	}

	type result struct {
		alive bool
		err   error
	}
	done := make(chan result, 1)
	go func() {
		_, payload, err := p.Resp.ReadFrame()
		if err != nil {
			done <- result{false, err}
			return
		}
		done <- result{len(payload) > 0 && payload[0] == fifo.RespAckn, nil}
	}()

	select {
	case r := <-done:
		return r.alive, r.err
	case <-ctx.Done():
		return false, nil
	}
}

// ProbeAndReapPrevious recovers from an unclean previous run: if
// ActiveFile exists, probe the pid it names; if it doesn't answer within
// ProbeTimeout, SIGINT every listed pid to clear stale workers.
func ProbeAndReapPrevious(path string, probe PreviousSupervisorProbe, logger zerolog.Logger) error {
	af, err := ReadActiveFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("monitor: reading %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeout)
	defer cancel()

	alive, err := probe.IsAlive(ctx)
	if err == nil && alive {
		logger.Info().Int32("pid", af.SupervisorPID).Msg("previous afd_mon supervisor is alive, not killing its workers")
		return nil
	}

	logger.Warn().Int32("pid", af.SupervisorPID).Msg("previous afd_mon supervisor did not answer, killing stale pids")
	for _, pid := range af.AllPids() {
		if pid <= 0 {
			continue
		}
		if err := syscall.Kill(int(pid), syscall.SIGINT); err != nil && err != syscall.ESRCH {
			logger.Debug().Err(err).Int32("pid", pid).Msg("killing stale pid")
		}
	}
	return nil
}
