// Package scheduler implements the FD's dispatch loop and outcome state
// machine: PENDING -> DISPATCHED -> DONE(ok|retry|dead).
//
// The Scheduler owns no fifo or process plumbing itself; Supervisor (in
// this package) wires it to the control-plane channels and the worker
// launcher. Splitting the two keeps the pure queue-walking logic apart
// from the event loop it runs inside.
package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/metrics"
	"github.com/transferfleet/afd/internal/pacer"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/shm"
)

// Task describes one worker invocation, the information a Launcher needs
// to fork the right binary with the right argv.
type Task struct {
	JobID       uint32
	HostAlias   string
	HostDspName string
	Scheme      mdb.Scheme
	MsgName     message.Name
	ConnectSlot int
	InErrorDir  bool
	Burst       bool
}

// Launcher starts the worker process for a Task and returns its pid. The
// Scheduler never waits on the process directly; Supervisor reaps it once
// its pid arrives on the completion fifo.
type Launcher interface {
	Launch(t Task) (pid int32, err error)
}

// Outcome classifies a reaped worker's exit.
type Outcome int

const (
	// OutcomeSuccess is TRANSFER_SUCCESS (exit code 0): every file queued
	// at dispatch time was sent.
	OutcomeSuccess Outcome = iota
	// OutcomeStillFilesToSend is exit code 62: more files arrived during
	// the transfer than one burst could drain; the job stays queued.
	OutcomeStillFilesToSend
	// OutcomeTransientError covers the transient-transport exit codes:
	// the job is retried after the host's backoff.
	OutcomeTransientError
	// OutcomeKilled is a worker that died by signal (GOT_KILLED or a
	// raw signal death never caught by the worker's own handler).
	OutcomeKilled
)

// Result is what Supervisor hands HandleOutcome after reaping a pid.
type Result struct {
	Outcome  Outcome
	ExitCode int
}

// The scheduler only ever needs to special-case success and
// still-files-to-send; the remaining exit codes are an open set to it.
const (
	ExitTransferSuccess  = 0
	ExitStillFilesToSend = 62
)

// ClassifyExit maps a worker's exit code (or -1 for a signal death) to an
// Outcome.
func ClassifyExit(exitCode int, signaled bool) Outcome {
	if signaled {
		return OutcomeKilled
	}
	switch exitCode {
	case ExitTransferSuccess:
		return OutcomeSuccess
	case ExitStillFilesToSend:
		return OutcomeStillFilesToSend
	default:
		return OutcomeTransientError
	}
}

// Scheduler walks QB in msg_number order, forking workers for hosts under
// their concurrency limit and not administratively paused, and applies the
// outcome state machine once a worker is reaped.
type Scheduler struct {
	FSA      *shm.FSA
	QB       *queue.QB
	MDB      *mdb.MDB
	Launcher Launcher
	Logger   zerolog.Logger
	Now      func() time.Time

	// MaxBurst is cfg.Workers.MaxBurst, the most jobs one worker connection
	// may drain before exiting. <= 1 means
	// burst mode is off: every dispatch forks its own worker.
	MaxBurst int

	// inFlight maps a dispatched pid back to the QB position and FSA
	// coordinates the outcome handler needs once that pid is reaped. A pid
	// that picks up a burst continuation overwrites its own entry here —
	// the prior job it pointed at was already finalized at handoff time, so
	// only the job currently in flight for that pid is ever tracked.
	inFlight map[int32]dispatched
}

type dispatched struct {
	qbPos    int
	fsaPos   int
	slot     int
	hostSize int64
}

// New builds a Scheduler over already-attached shared state.
func New(fsa *shm.FSA, qb *queue.QB, mdbTable *mdb.MDB, launcher Launcher) *Scheduler {
	return &Scheduler{
		FSA:      fsa,
		QB:       qb,
		MDB:      mdbTable,
		Launcher: launcher,
		Logger:   afdlog.WithComponent("scheduler"),
		Now:      time.Now,
		inFlight: make(map[int32]dispatched),
	}
}

// Tick performs one dispatch pass: for every PENDING QB entry, in
// msg_number order (the order QB.Insert already maintains), dispatch it
// if its host has spare capacity and isn't
// paused/disabled. Ties are broken by QB position, i.e. insertion/msg_number
// order, since QB never reorders entries with equal keys.
func (s *Scheduler) Tick() (dispatchedCount int, err error) {
	i := 0
	for i < s.QB.Len() {
		if s.QB.Pid(i) != queue.PidPending {
			i++
			continue
		}
		ok, shifted, dispatchErr := s.dispatchEntry(i)
		if dispatchErr != nil {
			s.Logger.Error().Err(dispatchErr).Int("qb_pos", i).Msg("dispatch failed")
			i++
			continue
		}
		if ok {
			dispatchedCount++
		}
		// A burst handoff can finalize and dequeue a different, earlier QB
		// entry than the one just processed, collapsing everything after it
		// — including position i — one step left. When that happens the entry
		// that slid into i hasn't been looked at yet, so don't advance.
		if !shifted {
			i++
		}
	}
	return dispatchedCount, nil
}

// dispatchEntry attempts to fork a worker for the entry at qbPos. It
// returns false (not an error) when the host is at its concurrency limit,
// paused, or disabled — the entry simply waits for the next Tick. shifted
// reports whether a burst handoff dequeued an earlier QB entry, shifting
// qbPos (and everything after it) one position left.
func (s *Scheduler) dispatchEntry(qbPos int) (ok bool, shifted bool, err error) {
	mdbPos := int(s.QB.MDBPos(qbPos))
	jobID, hostAlias, fsaPos, scheme, _, _ := s.MDB.Get(mdbPos)

	status := s.FSA.Status(fsaPos)
	if status&shm.StatusDisabled != 0 || status&shm.StatusPauseQueue != 0 || status&shm.StatusAutoPauseQueue != 0 {
		return false, false, nil
	}
	if s.hostInBackoff(fsaPos) {
		return false, false, nil
	}
	if s.FSA.ActiveTransfers(fsaPos) >= s.FSA.AllowedTransfers(fsaPos) {
		// No free slot to fork into, but a worker already occupying one of
		// this host's slots may be idle and waiting for exactly this kind
		// of same-host, same-scheme job.
		return s.tryBurstHandoff(qbPos, jobID, hostAlias, fsaPos, scheme)
	}

	slot := s.FSA.FreeSlot(fsaPos)
	if slot < 0 {
		return s.tryBurstHandoff(qbPos, jobID, hostAlias, fsaPos, scheme)
	}

	if err := s.FSA.IncActiveTransfers(fsaPos); err != nil {
		return false, false, nil // lost the race to another dispatcher; try again next tick
	}

	task := Task{
		JobID:       jobID,
		HostAlias:   hostAlias,
		HostDspName: s.FSA.DspName(fsaPos),
		Scheme:      scheme,
		MsgName:     s.QB.Name(qbPos),
		ConnectSlot: slot,
		InErrorDir:  s.QB.InErrorDir(qbPos),
		Burst:       s.MaxBurst > 1,
	}

	pid, launchErr := s.Launcher.Launch(task)
	if launchErr != nil {
		_ = s.FSA.DecActiveTransfers(fsaPos)
		return false, false, fmt.Errorf("scheduler: launch job %d on %s: %w", jobID, hostAlias, launchErr)
	}

	if err := s.FSA.AssignSlot(fsaPos, slot, pid, jobID, int32(scheme)); err != nil {
		_ = s.FSA.DecActiveTransfers(fsaPos)
		return false, false, err
	}

	s.QB.Dispatch(qbPos, pid, int32(slot))
	s.inFlight[pid] = dispatched{qbPos: qbPos, fsaPos: fsaPos, slot: slot}

	dispatchLogger := afdlog.WithQBPos(afdlog.WithJob(s.Logger, jobID, hostAlias), qbPos)
	dispatchLogger.Info().Int32("pid", pid).Str("scheme", scheme.String()).Msg("dispatched")
	metrics.ActiveTransfers.WithLabelValues(hostAlias).Set(float64(s.FSA.ActiveTransfers(fsaPos)))
	return true, false, nil
}

// backoffCalc drives the per-host dispatch backoff with the same attack
// curve the transports pace reconnects with: doubling from one second up
// to a two-minute ceiling.
var backoffCalc = pacer.NewDefault(pacer.MinSleep(time.Second), pacer.MaxSleep(2*time.Minute))

// hostBackoff derives how long a host sits out after its error_counter
// reaches ec consecutive failures.
func hostBackoff(ec int32) time.Duration {
	st := pacer.State{SleepTime: time.Second}
	for i := int32(1); i < ec; i++ {
		st.ConsecutiveRetries = int(i)
		st.SleepTime = backoffCalc.Calculate(st)
	}
	return st.SleepTime
}

// hostInBackoff reports whether fsaPos is still inside its error backoff
// window. A host with a
// clean error counter, or whose last retry is old enough, dispatches
// normally; ClearRetryTime (the retry fifo) forces it out early.
func (s *Scheduler) hostInBackoff(fsaPos int) bool {
	ec := s.FSA.ErrorCounter(fsaPos)
	if ec <= 0 {
		return false
	}
	last := s.FSA.LastRetryTime(fsaPos)
	if last == 0 {
		return false
	}
	return s.Now().Unix() < last+int64(hostBackoff(ec)/time.Second)
}

// Retry forces qbPos's host out of error backoff so the next Tick may
// dispatch it immediately, the retry_fifo contract.
func (s *Scheduler) Retry(qbPos int) error {
	if qbPos < 0 || qbPos >= s.QB.Len() {
		return fmt.Errorf("scheduler: retry: qb position %d out of range", qbPos)
	}
	if s.QB.Pid(qbPos) != queue.PidPending {
		return nil // already running or tombstoned; nothing to hurry up
	}
	mdbPos := int(s.QB.MDBPos(qbPos))
	_, _, fsaPos, _, _, _ := s.MDB.Get(mdbPos)
	return s.FSA.ClearRetryTime(fsaPos)
}

// tryBurstHandoff looks for a worker already dispatched on fsaPos that has
// flagged its slot ready-for-burst on the entry's scheme, and parks qbPos
// there instead of forking a new process. The job
// previously occupying that slot only ever reaches BurstReady after fully
// draining its own file set, so claiming the slot also means that prior job
// is done; it's finalized as a success right here rather than waiting for
// this pid to be reaped, since the pid may go on to serve several more
// handoffs before it finally exits.
func (s *Scheduler) tryBurstHandoff(qbPos int, jobID uint32, hostAlias string, fsaPos int, scheme mdb.Scheme) (bool, bool, error) {
	slot := s.FSA.BurstReadySlot(fsaPos, int32(scheme))
	if slot < 0 {
		return false, false, nil
	}

	parked, err := s.FSA.TryParkBurstJob(fsaPos, slot, jobID, int32(scheme))
	if err != nil || !parked {
		return false, false, err
	}

	pid := s.FSA.Slot(fsaPos, slot).ProcessID
	shifted := false
	if prev, ok := s.inFlight[pid]; ok {
		shifted = prev.qbPos < qbPos
		if err := s.finalizeSuccess(prev, false); err != nil {
			return false, false, err
		}
		if shifted {
			qbPos-- // the removal above collapsed qbPos one step left
		}
	}

	s.QB.Dispatch(qbPos, pid, int32(slot))
	s.inFlight[pid] = dispatched{qbPos: qbPos, fsaPos: fsaPos, slot: slot}

	burstLogger := afdlog.WithQBPos(afdlog.WithJob(s.Logger, jobID, hostAlias), qbPos)
	burstLogger.Info().Int32("pid", pid).Str("scheme", scheme.String()).Msg("burst handoff")
	metrics.ActiveTransfers.WithLabelValues(hostAlias).Set(float64(s.FSA.ActiveTransfers(fsaPos)))
	return true, shifted, nil
}

// finalizeSuccess applies the bookkeeping a successful job always needs
// (dequeue, error-counter reset, auto-pause clear, metrics); clearSlot is
// false when the same worker is about to keep using the slot for a burst
// continuation rather than going idle.
func (s *Scheduler) finalizeSuccess(d dispatched, clearSlot bool) error {
	if err := s.QB.Remove(d.qbPos); err != nil {
		return err
	}
	if err := s.FSA.ResetErrorCounter(d.fsaPos); err != nil {
		return err
	}
	if err := s.FSA.SetStatusBit(d.fsaPos, shm.StatusAutoPauseQueue, false); err != nil {
		return err
	}
	if err := s.FSA.ClearNotWorkingSlots(d.fsaPos); err != nil {
		return err
	}
	if clearSlot {
		if err := s.FSA.ClearSlot(d.fsaPos, d.slot); err != nil {
			return err
		}
	}
	metrics.TransfersCompletedTotal.WithLabelValues(s.FSA.Alias(d.fsaPos), "success").Inc()
	return nil
}

// HandleOutcome applies the PENDING/DISPATCHED/DONE transition for a
// reaped pid: TRANSFER_SUCCESS clears the entry and resets
// backoff state; STILL_FILES_TO_SEND leaves it queued for the next burst;
// anything else bumps the host's error counter and may auto-toggle.
func (s *Scheduler) HandleOutcome(pid int32, res Result) error {
	d, ok := s.inFlight[pid]
	if !ok {
		return fmt.Errorf("scheduler: pid %d reaped with no tracked dispatch", pid)
	}
	delete(s.inFlight, pid)

	if err := s.FSA.DecActiveTransfers(d.fsaPos); err != nil {
		return err
	}

	hostAlias := s.FSA.Alias(d.fsaPos)

	switch res.Outcome {
	case OutcomeSuccess:
		if err := s.finalizeSuccess(d, true); err != nil {
			return err
		}

	case OutcomeStillFilesToSend:
		s.QB.MarkPending(d.qbPos)
		if err := s.FSA.ClearSlot(d.fsaPos, d.slot); err != nil {
			return err
		}
		metrics.TransfersCompletedTotal.WithLabelValues(hostAlias, "still_files_to_send").Inc()

	default: // OutcomeTransientError, OutcomeKilled
		s.QB.MarkPending(d.qbPos)
		toggle, err := s.FSA.IncErrorCounter(d.fsaPos, s.Now().Unix())
		if err != nil {
			return err
		}
		if s.FSA.ErrorCounter(d.fsaPos) >= s.FSA.MaxErrors(d.fsaPos) && s.FSA.MaxErrors(d.fsaPos) > 0 {
			_ = s.FSA.SetStatusBit(d.fsaPos, shm.StatusAutoPauseQueue, true)
		}
		if err := s.FSA.ClearSlot(d.fsaPos, d.slot); err != nil {
			return err
		}
		if toggle.Toggled {
			s.Logger.Warn().Str("host_alias", hostAlias).Str("new_dsp_name", toggle.NewDsp).
				Str("new_host", toggle.NewHost).Msg("auto-toggled after repeated errors")
		}
		outcomeLabel := "transient_error"
		if res.Outcome == OutcomeKilled {
			outcomeLabel = "killed"
		}
		metrics.TransfersCompletedTotal.WithLabelValues(hostAlias, outcomeLabel).Inc()
	}

	metrics.ActiveTransfers.WithLabelValues(hostAlias).Set(float64(s.FSA.ActiveTransfers(d.fsaPos)))
	metrics.ErrorCounter.WithLabelValues(hostAlias).Set(float64(s.FSA.ErrorCounter(d.fsaPos)))
	return nil
}

// InFlight reports how many pids the scheduler is currently waiting on,
// used by tests and the supervisor's shutdown drain.
func (s *Scheduler) InFlight() int { return len(s.inFlight) }

// InFlightPids returns the pids of every currently dispatched worker, used
// by the supervisor's shutdown/quick-stop SIGINT-then-SIGKILL escalation.
func (s *Scheduler) InFlightPids() []int32 {
	pids := make([]int32, 0, len(s.inFlight))
	for pid := range s.inFlight {
		pids = append(pids, pid)
	}
	return pids
}
