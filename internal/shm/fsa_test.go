package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFSA(t *testing.T) *FSA {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsa_status")
	f, err := CreateFSA(path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Detach() })
	return f
}

func TestFSAInitAndFind(t *testing.T) {
	f := newTestFSA(t)
	f.Init(0, "host_a", "host_a1", "real-a-1.example", "real-a-2.example", 2, 3, true)
	f.Init(1, "host_b", "host_b1", "real-b-1.example", "", 1, 5, false)

	require.Equal(t, 0, f.Find("host_a"))
	require.Equal(t, 1, f.Find("host_b"))
	require.Equal(t, -1, f.Find("nope"))
	require.Equal(t, "host_a1", f.DspName(0))
	require.EqualValues(t, 2, f.AllowedTransfers(0))
}

func TestActiveTransfersInvariant(t *testing.T) {
	f := newTestFSA(t)
	f.Init(0, "host_a", "host_a1", "h1", "h2", 1, 3, false)

	require.NoError(t, f.IncActiveTransfers(0))
	require.EqualValues(t, 1, f.ActiveTransfers(0))

	err := f.IncActiveTransfers(0)
	require.Error(t, err, "active_transfers must never exceed allowed_transfers")

	require.NoError(t, f.DecActiveTransfers(0))
	require.EqualValues(t, 0, f.ActiveTransfers(0))

	// Decrementing below zero must clamp, not go negative.
	require.NoError(t, f.DecActiveTransfers(0))
	require.EqualValues(t, 0, f.ActiveTransfers(0))
}

func TestAutoToggleOnRepeatedErrors(t *testing.T) {
	f := newTestFSA(t)
	f.Init(0, "host_a", "host_a1", "real-one", "real-two", 1, 3, true)

	var last ToggleResult
	for i := 0; i < 3; i++ {
		var err error
		last, err = f.IncErrorCounter(0, 1000+int64(i))
		require.NoError(t, err)
	}
	require.True(t, last.Toggled)
	require.Equal(t, "real-two", last.NewHost)
	require.Equal(t, "host_a2", last.NewDsp)
}

func TestQueuedTotalsInvariant(t *testing.T) {
	f := newTestFSA(t)
	f.Init(0, "host_a", "host_a1", "h1", "h2", 1, 3, false)

	require.NoError(t, f.AddQueued(0, 3, 300))
	require.EqualValues(t, 3, f.TotalFileCounter(0))
	require.EqualValues(t, 300, f.TotalFileSize(0))

	require.NoError(t, f.AddQueued(0, -3, -300))
	require.EqualValues(t, 0, f.TotalFileCounter(0))
	require.EqualValues(t, 0, f.TotalFileSize(0), "counter==0 must imply size==0")
}

func TestSlotLifecycle(t *testing.T) {
	f := newTestFSA(t)
	f.Init(0, "host_a", "host_a1", "h1", "h2", 2, 3, false)

	require.Equal(t, 0, f.FreeSlot(0))
	require.NoError(t, f.AssignSlot(0, 0, 4242, 99, 1))
	require.Equal(t, 1, f.FreeSlot(0))

	require.NoError(t, f.UpdateProgress(0, 0, "payload.bin", 1000, 500))
	require.NoError(t, f.FinishFile(0, 0, 1000))

	slot := f.Slot(0, 0)
	require.EqualValues(t, 1, slot.FileCounterDone)
	require.EqualValues(t, 1000, slot.BytesSend)

	require.NoError(t, f.ClearSlot(0, 0))
	require.Equal(t, 0, f.FreeSlot(0))
}

func TestBurstHandoff(t *testing.T) {
	f := newTestFSA(t)
	f.Init(0, "host_a", "host_a1", "h1", "h2", 1, 3, false)

	require.NoError(t, f.AssignSlot(0, 0, 4242, 99, 1))
	require.False(t, f.IsBurstReady(0, 0), "a freshly assigned slot isn't offering a handoff")

	ok, err := f.TryParkBurstJob(0, 0, 100, 1)
	require.NoError(t, err)
	require.False(t, ok, "parking before the worker marks itself ready must fail")

	require.NoError(t, f.MarkBurstReady(0, 0))
	require.True(t, f.IsBurstReady(0, 0))

	ok, err = f.TryParkBurstJob(0, 0, 100, 2)
	require.NoError(t, err)
	require.False(t, ok, "a mismatched scheme must not claim the slot")
	require.True(t, f.IsBurstReady(0, 0), "a rejected park leaves the slot still offered")

	ok, err = f.TryParkBurstJob(0, 0, 100, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, f.IsBurstReady(0, 0), "a successful park clears the ready flag")
	require.EqualValues(t, 100, f.BurstJobID(0, 0))
	require.EqualValues(t, 1, f.Slot(0, 0).BurstCounter)
	require.Equal(t, int32(PhaseBurst2Active), f.Slot(0, 0).ConnectStatus)

	// A second park attempt against the same (now un-offered) slot fails.
	ok, err = f.TryParkBurstJob(0, 0, 101, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.ClearSlot(0, 0))
	require.False(t, f.IsBurstReady(0, 0), "ClearSlot resets the whole job-status, including burst state")
}
