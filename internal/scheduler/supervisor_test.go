package scheduler

import (
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/fifo"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLauncher, *fakeReaper) {
	t.Helper()
	fsa, qb, m := newTestFixture(t)
	fsa.Init(0, "host_a", "host_a1", "h1", "h2", 1, 3, false)

	launcher := &fakeLauncher{}
	s := New(fsa, qb, m, launcher)
	reaper := &fakeReaper{results: make(map[int32]Result)}

	dir := t.TempDir()
	done, err := fifo.OpenNonblocking(filepath.Join(dir, "sf_fin_fifo"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = done.Close() })

	cmd, err := fifo.Open(filepath.Join(dir, "fd_cmd_fifo"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cmd.Close() })

	resp, err := fifo.Open(filepath.Join(dir, "fd_resp_fifo"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Close() })

	sv := NewSupervisor(s, reaper, done, cmd, resp)
	return sv, launcher, reaper
}

type recordingAnnouncer struct {
	recs []fifo.MsgFifoRecord
}

func (r *recordingAnnouncer) Announce(rec fifo.MsgFifoRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestDrainControlRoutesAnnouncementsRetriesAndDeletes(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	dir := t.TempDir()

	openNB := func(name string) *fifo.Channel {
		ch, err := fifo.OpenNonblocking(filepath.Join(dir, name))
		require.NoError(t, err)
		t.Cleanup(func() { _ = ch.Close() })
		return ch
	}
	sv.MsgFifo = openNB("msg_fifo")
	sv.RetryFifo = openNB("retry_fifo")
	sv.DeleteFifo = openNB("delete_jobs_fifo")

	ann := &recordingAnnouncer{}
	sv.Ingest = ann
	var removed []uint32
	sv.RemoveJob = func(id uint32) error {
		removed = append(removed, id)
		return nil
	}

	rec := fifo.MsgFifoRecord{CreationTime: 1700000000, JobID: 42, Unique: 7, Priority: '5'}
	require.NoError(t, sv.MsgFifo.WriteFrame(fifo.TypeMsgFifoRecord, fifo.EncodeMsgFifoRecord(rec)))
	require.NoError(t, sv.RetryFifo.WriteFrame(fifo.TypeRetry, fifo.EncodeRetry(0)))
	require.NoError(t, sv.DeleteFifo.WriteFrame(fifo.TypeDeleteJobs, fifo.EncodeDeleteJobs([]uint32{9, 11})))

	sv.drainControl()

	require.Equal(t, []fifo.MsgFifoRecord{rec}, ann.recs)
	require.Equal(t, []uint32{9, 11}, removed)
}

func TestDrainControlToleratesNilChannels(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	sv.drainControl() // all four channels nil: must be a no-op
}

func TestDrainCompletionsAppliesEachOutcomeOnce(t *testing.T) {
	sv, launcher, reaper := newTestSupervisor(t)

	_, err := sv.Scheduler.Tick()
	require.NoError(t, err)
	pid := launcher.nextPid
	reaper.results[pid] = Result{Outcome: OutcomeSuccess}

	require.NoError(t, sv.DoneFifo.WriteFrame(fifo.TypeSfFinRecord, fifo.EncodePid(pid)))
	require.NoError(t, sv.DoneFifo.WriteFrame(fifo.TypeSfFinRecord, fifo.EncodePid(pid)))

	sv.drainCompletions()

	require.Equal(t, 0, sv.Scheduler.InFlight())
	// The second coalesced frame for the same pid must not blow up even
	// though the scheduler no longer tracks it; it's simply logged.
}

func TestHandleCommandIsAliveAcks(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)

	stop, err := sv.handleCommand(fifo.CmdIsAlive)
	require.NoError(t, err)
	require.False(t, stop)

	msgType, payload, err := sv.RespFifo.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, fifo.TypeFDResp, msgType)
	require.Equal(t, []byte{fifo.RespAckn}, payload)
}

func TestHandleCommandShutdownStops(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)

	stop, err := sv.handleCommand(fifo.CmdShutdown)
	require.NoError(t, err)
	require.True(t, stop)

	msgType, payload, err := sv.RespFifo.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, fifo.TypeFDResp, msgType)
	require.Equal(t, []byte{fifo.RespProcTerm}, payload)
}

// TestHandleCommandQuickStopEscalatesToSigkill exercises the SIGINT-
// every-live-worker, wait, then SIGKILL contract for a worker that never
// reports back on the completion fifo.
func TestHandleCommandQuickStopEscalatesToSigkill(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	sv.QuickStopTimeout = 20 * time.Millisecond
	enqueue(t, sv.Scheduler.FSA, sv.Scheduler.QB, sv.Scheduler.MDB, 1)

	n, err := sv.Scheduler.Tick()
	require.NoError(t, err)
	require.Equal(t, 1, n, "fixture host has one free slot")
	pids := sv.Scheduler.InFlightPids()
	require.Len(t, pids, 1)
	dispatchedPid := pids[0]

	var mu sync.Mutex
	var sent []syscall.Signal
	sv.Signal = func(pid int32, sig syscall.Signal) error {
		require.Equal(t, dispatchedPid, pid)
		mu.Lock()
		sent = append(sent, sig)
		mu.Unlock()
		return nil
	}

	stop, err := sv.handleCommand(fifo.CmdQuickStop)
	require.NoError(t, err)
	require.True(t, stop)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []syscall.Signal{syscall.SIGINT, syscall.SIGKILL}, sent)

	msgType, payload, err := sv.RespFifo.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, fifo.TypeFDResp, msgType)
	require.Equal(t, []byte{fifo.RespProcTerm}, payload)
}

// TestHandleCommandShutdownStopsWithoutKillingWorkersThatFinishInTime
// confirms the escalation doesn't SIGKILL a worker that reports success
// on the completion fifo before ABORT_TIMEOUT elapses.
func TestHandleCommandShutdownStopsWithoutKillingWorkersThatFinishInTime(t *testing.T) {
	sv, _, reaper := newTestSupervisor(t)
	sv.ShutdownTimeout = 200 * time.Millisecond
	enqueue(t, sv.Scheduler.FSA, sv.Scheduler.QB, sv.Scheduler.MDB, 1)

	_, err := sv.Scheduler.Tick()
	require.NoError(t, err)
	pids := sv.Scheduler.InFlightPids()
	require.Len(t, pids, 1)
	pid := pids[0]
	reaper.results[pid] = Result{Outcome: OutcomeSuccess}

	var mu sync.Mutex
	var sent []syscall.Signal
	sv.Signal = func(pid int32, sig syscall.Signal) error {
		mu.Lock()
		sent = append(sent, sig)
		mu.Unlock()
		return nil
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = sv.DoneFifo.WriteFrame(fifo.TypeSfFinRecord, fifo.EncodePid(pid))
	}()

	stop, err := sv.handleCommand(fifo.CmdShutdown)
	require.NoError(t, err)
	require.True(t, stop)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []syscall.Signal{syscall.SIGINT}, sent, "worker finished before the timeout, so SIGKILL must never fire")
	require.Equal(t, 0, sv.Scheduler.InFlight())
}
