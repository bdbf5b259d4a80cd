package scheduler

import (
	"context"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/fifo"
	"github.com/transferfleet/afd/internal/fserrors"
)

// abortTimeoutQuick/abortTimeoutNormal bound how long a stop waits for
// live workers before escalating to SIGKILL: 10 s for a quick stop, 30 s
// for a normal shutdown.
const (
	abortTimeoutQuick  = 10 * time.Second
	abortTimeoutNormal = 30 * time.Second
)

// Reaper waits on a previously launched pid and classifies its exit.
// ExecLauncher satisfies this; tests supply a fake.
type Reaper interface {
	Reap(pid int32) (Result, error)
}

// Announcer consumes one decoded msg_fifo job announcement.
type Announcer interface {
	Announce(rec fifo.MsgFifoRecord) error
}

// Supervisor runs the fd's event loop: a periodic dispatch tick, a
// non-blocking drain of the completion fifo (each pid is reaped exactly
// once even when several sf_fin_fifo writes coalesce between wake-ups),
// and a blocking read of the command fifo for shutdown/is-alive/
// check-dir requests.
type Supervisor struct {
	Scheduler  *Scheduler
	Reaper     Reaper
	DoneFifo   *fifo.Channel // opened OpenNonblocking on sf_fin_fifo
	CmdFifo    *fifo.Channel // opened Open on the FD command fifo
	RespFifo   *fifo.Channel // the matching response fifo
	TickPeriod time.Duration
	Logger     zerolog.Logger

	// MsgFifo carries AMG's job announcements; WakeFifo, RetryFifo and
	// DeleteFifo are the remaining worker/admin-facing control channels.
	// All four are opened OpenNonblocking and drained
	// once per loop pass; any may be nil, disabling that channel.
	MsgFifo    *fifo.Channel
	WakeFifo   *fifo.Channel
	RetryFifo  *fifo.Channel
	DeleteFifo *fifo.Channel

	// Ingest materialises announced jobs into MDB/QB; required once
	// MsgFifo is set. *Ingestor is the production implementation.
	Ingest Announcer
	// RemoveJob is the delete_jobs_fifo handler, wired to the Reconciler's
	// remove_job.
	RemoveJob func(jobID uint32) error
	// CheckDir forces an out-of-band reconciliation sweep on CHECK_DIR.
	CheckDir func() error

	// Signal delivers sig to a live worker pid; swappable in tests since
	// sending a real signal to an arbitrary pid isn't something a unit
	// test should ever do for real. Defaults to syscall.Kill.
	Signal func(pid int32, sig syscall.Signal) error

	// QuickStopTimeout/ShutdownTimeout default to the abort timeouts
	// above, overridable in tests so the
	// SIGINT-then-SIGKILL escalation doesn't actually block for seconds.
	QuickStopTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// NewSupervisor wires a Scheduler to its control-plane channels.
func NewSupervisor(s *Scheduler, reaper Reaper, done, cmd, resp *fifo.Channel) *Supervisor {
	return &Supervisor{
		Scheduler:        s,
		Reaper:           reaper,
		DoneFifo:         done,
		CmdFifo:          cmd,
		RespFifo:         resp,
		TickPeriod:       time.Second,
		Logger:           afdlog.WithComponent("supervisor"),
		Signal:           func(pid int32, sig syscall.Signal) error { return syscall.Kill(int(pid), sig) },
		QuickStopTimeout: abortTimeoutQuick,
		ShutdownTimeout:  abortTimeoutNormal,
	}
}

// Run drives the event loop until ctx is cancelled or a CmdShutdown frame
// arrives. Command-fifo reads happen on their own goroutine since
// Channel.ReadFrame blocks; everything else only ever touches Scheduler
// from this goroutine, so no locking is needed around dispatch/outcome
// state.
func (sv *Supervisor) Run(ctx context.Context) error {
	cmds := make(chan byte)
	cmdErrs := make(chan error, 1)
	go sv.readCommands(ctx, cmds, cmdErrs)

	ticker := time.NewTicker(sv.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-cmdErrs:
			return err

		case c := <-cmds:
			stop, err := sv.handleCommand(c)
			if err != nil {
				sv.Logger.Error().Err(err).Msg("command handling failed")
			}
			if stop {
				return nil
			}

		case <-ticker.C:
			sv.remapStaleAreas()
			sv.drainControl()
			sv.drainCompletions()
			if _, err := sv.Scheduler.Tick(); err != nil {
				sv.Logger.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

// remapStaleAreas re-attaches any shared area whose producer marked the
// old mapping STALE during a resize.
func (sv *Supervisor) remapStaleAreas() {
	if sv.Scheduler.FSA.Stale() {
		if err := sv.Scheduler.FSA.Reattach(); err != nil {
			sv.Logger.Error().Err(err).Msg("re-attaching stale fsa")
		}
	}
	if sv.Scheduler.QB.Stale() {
		if err := sv.Scheduler.QB.Reattach(); err != nil {
			sv.Logger.Error().Err(err).Msg("re-attaching stale queue buffer")
		}
	}
	if sv.Scheduler.MDB.Stale() {
		if err := sv.Scheduler.MDB.Reattach(); err != nil {
			sv.Logger.Error().Err(err).Msg("re-attaching stale message cache")
		}
	}
}

// drainControl empties the announcement, wake-up, retry and delete fifos
// ahead of a dispatch pass. Unknown frame types are garbage to log and
// skip, never to fail on.
func (sv *Supervisor) drainControl() {
	sv.drainChannel(sv.MsgFifo, func(f fifo.Frame) {
		if f.Type != fifo.TypeMsgFifoRecord {
			sv.Logger.Warn().Uint8("type", f.Type).Msg("unexpected frame on msg fifo")
			return
		}
		rec, err := fifo.DecodeMsgFifoRecord(f.Payload)
		if err != nil {
			sv.Logger.Error().Err(err).Msg("decoding msg fifo record")
			return
		}
		if sv.Ingest == nil {
			return
		}
		if err := sv.Ingest.Announce(rec); err != nil {
			sv.Logger.Error().Err(err).Uint32("job_id", rec.JobID).Msg("ingesting announced job")
		}
	})

	// Wake-up bytes are a pure edge trigger; draining them is enough,
	// since a Tick always follows drainControl.
	sv.drainChannel(sv.WakeFifo, func(fifo.Frame) {})

	sv.drainChannel(sv.RetryFifo, func(f fifo.Frame) {
		if f.Type != fifo.TypeRetry {
			return
		}
		qbPos, err := fifo.DecodeRetry(f.Payload)
		if err != nil {
			sv.Logger.Error().Err(err).Msg("decoding retry record")
			return
		}
		if err := sv.Scheduler.Retry(int(qbPos)); err != nil {
			sv.Logger.Warn().Err(err).Int32("qb_pos", qbPos).Msg("retry request failed")
		}
	})

	sv.drainChannel(sv.DeleteFifo, func(f fifo.Frame) {
		if f.Type != fifo.TypeDeleteJobs {
			return
		}
		jobIDs, err := fifo.DecodeDeleteJobs(f.Payload)
		if err != nil {
			sv.Logger.Error().Err(err).Msg("decoding delete_jobs record")
			return
		}
		for _, id := range jobIDs {
			if sv.RemoveJob == nil {
				break
			}
			if err := sv.RemoveJob(id); err != nil {
				sv.Logger.Warn().Err(err).Uint32("job_id", id).Msg("administrative job delete failed")
			}
		}
	})
}

func (sv *Supervisor) drainChannel(c *fifo.Channel, apply func(fifo.Frame)) {
	if c == nil {
		return
	}
	frames, err := c.ReadAvailable()
	if err != nil {
		sv.Logger.Error().Err(err).Msg("draining control fifo")
		return
	}
	for _, f := range frames {
		apply(f)
	}
}

// readCommands blocks reading framed commands and forwards the command
// byte; it exits (closing nothing, since the fifo outlives the loop) once
// ctx is done or the read fails.
func (sv *Supervisor) readCommands(ctx context.Context, out chan<- byte, errs chan<- error) {
	for {
		msgType, payload, err := sv.CmdFifo.ReadFrame()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				errs <- err
				return
			}
		}
		if msgType != fifo.TypeFDCmd || len(payload) < 1 {
			continue
		}
		select {
		case out <- payload[0]:
		case <-ctx.Done():
			return
		}
	}
}

// handleCommand applies one FD command-fifo byte
// and acknowledges it on the response fifo.
func (sv *Supervisor) handleCommand(cmd byte) (stop bool, err error) {
	switch cmd {
	case fifo.CmdSaveStop:
		// SAVE_STOP: stop dispatching and let existing transfers finish
		// on their own; no SIGINT, since this is the "save state, don't
		// abort" stop.
		sv.drainUntilIdle()
		if err := sv.RespFifo.WriteFrame(fifo.TypeFDResp, []byte{fifo.RespProcTerm}); err != nil {
			return true, err
		}
		return true, nil

	case fifo.CmdQuickStop:
		sv.abortInFlight(sv.QuickStopTimeout)
		if err := sv.RespFifo.WriteFrame(fifo.TypeFDResp, []byte{fifo.RespProcTerm}); err != nil {
			return true, err
		}
		return true, nil

	case fifo.CmdShutdown:
		sv.abortInFlight(sv.ShutdownTimeout)
		if err := sv.RespFifo.WriteFrame(fifo.TypeFDResp, []byte{fifo.RespProcTerm}); err != nil {
			return true, err
		}
		return true, nil

	case fifo.CmdIsAlive:
		return false, sv.RespFifo.WriteFrame(fifo.TypeFDResp, []byte{fifo.RespAckn})

	case fifo.CmdCheckDir:
		if sv.CheckDir != nil {
			if err := sv.CheckDir(); err != nil {
				sv.Logger.Error().Err(err).Msg("forced directory check failed")
			}
		}
		return false, sv.RespFifo.WriteFrame(fifo.TypeFDResp, []byte{fifo.RespAckn})

	case fifo.CmdDeleteJobs:
		// The job-id list itself arrives on delete_jobs_fifo; the command
		// byte only prompts an immediate drain ahead of the next tick.
		sv.drainControl()
		return false, sv.RespFifo.WriteFrame(fifo.TypeFDResp, []byte{fifo.RespAckn})

	default:
		return false, nil
	}
}

// drainUntilIdle blocks dispatching no new work while existing transfers
// finish, the CmdSaveStop contract: existing work completes,
// nothing new starts.
func (sv *Supervisor) drainUntilIdle() {
	for sv.Scheduler.InFlight() > 0 {
		sv.drainCompletions()
		if sv.Scheduler.InFlight() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// abortInFlight implements the SHUTDOWN/QUICK_STOP cancellation
// contract: stop taking new work (the caller already returns
// stop=true so Run exits its dispatch loop), SIGINT every live worker so
// its own exit handler can reset its FSA slot cleanly, then wait at most
// timeout before SIGKILLing whatever is still alive.
func (sv *Supervisor) abortInFlight(timeout time.Duration) {
	pids := sv.Scheduler.InFlightPids()
	for _, pid := range pids {
		if err := sv.Signal(pid, syscall.SIGINT); err != nil {
			sv.Logger.Warn().Err(err).Int32("pid", pid).Msg("SIGINT failed")
		}
	}

	deadline := time.Now().Add(timeout)
	for sv.Scheduler.InFlight() > 0 && time.Now().Before(deadline) {
		sv.drainCompletions()
		if sv.Scheduler.InFlight() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}

	for _, pid := range sv.Scheduler.InFlightPids() {
		sv.Logger.Warn().Int32("pid", pid).Dur("timeout", timeout).Msg("worker did not exit within ABORT_TIMEOUT, sending SIGKILL")
		if err := sv.Signal(pid, syscall.SIGKILL); err != nil {
			sv.Logger.Warn().Err(err).Int32("pid", pid).Msg("SIGKILL failed")
		}
	}
	// Give SIGKILLed workers one more chance to show up on the
	// completion fifo so the scheduler's bookkeeping stays consistent;
	// if the worker never signals (already dead from the kernel's view
	// before the pipe write), remaining inFlight entries are harmless
	// stale bookkeeping since the process is exiting anyway.
	sv.drainCompletions()
}

// drainCompletions reads every frame currently queued on the completion
// fifo and applies its outcome, coalescing multiple sf_fin_fifo writes
// into one wake-up.
func (sv *Supervisor) drainCompletions() {
	frames, err := sv.DoneFifo.ReadAvailable()
	if err != nil {
		sv.Logger.Error().Err(err).Msg("reading completion fifo")
		return
	}
	for _, f := range frames {
		if f.Type != fifo.TypeSfFinRecord {
			continue
		}
		pid, err := fifo.DecodePid(f.Payload)
		if err != nil {
			sv.Logger.Error().Err(err).Msg("decoding completion frame")
			continue
		}
		res, err := sv.Reaper.Reap(pid)
		if err != nil {
			sv.Logger.Error().Err(err).Int32("pid", pid).Msg("reaping worker")
			continue
		}
		if err := sv.Scheduler.HandleOutcome(pid, res); err != nil {
			sv.Logger.Error().Err(err).Int32("pid", pid).Msg("applying outcome")
		}
	}
}

// classifyReapError reports whether a reap failure is itself retriable
// (e.g. a transient read off a stale fd) using the same Cause machinery
// workers use to decide whether to keep a file for the next attempt.
func classifyReapError(err error) bool {
	retriable, _ := fserrors.Cause(err)
	return retriable
}
