package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/afdlog"
)

func TestWriteAndReadActiveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AFD_MON_ACTIVE")
	af := ActiveFile{
		SupervisorPID: 100,
		LogPids:       [2]int32{101, 102},
		WorkerPids:    []int32{200, 201, 202},
	}
	require.NoError(t, WriteActiveFile(path, af))

	got, err := ReadActiveFile(path)
	require.NoError(t, err)
	require.Equal(t, af, got)
	require.Equal(t, []int32{100, 101, 102, 200, 201, 202}, got.AllPids())
}

func TestReadActiveFileMissingIsNotExist(t *testing.T) {
	_, err := ReadActiveFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

type fakeProbe struct {
	alive bool
	err   error
}

func (p *fakeProbe) IsAlive(ctx context.Context) (bool, error) { return p.alive, p.err }

func TestProbeAndReapPreviousNoFileIsNoop(t *testing.T) {
	err := ProbeAndReapPrevious(filepath.Join(t.TempDir(), "missing"), &fakeProbe{}, afdlog.WithComponent("test"))
	require.NoError(t, err)
}

func TestProbeAndReapPreviousAliveSkipsKill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AFD_MON_ACTIVE")
	require.NoError(t, WriteActiveFile(path, ActiveFile{SupervisorPID: int32(os.Getpid())}))

	err := ProbeAndReapPrevious(path, &fakeProbe{alive: true}, afdlog.WithComponent("test"))
	require.NoError(t, err)
}

func TestProbeAndReapPreviousDeadKillsStalePids(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AFD_MON_ACTIVE")
	// Use a pid that is very unlikely to exist, so the kill path makes a
	// real syscall (which fails with ESRCH) without signalling the test
	// binary itself or any other process.
	require.NoError(t, WriteActiveFile(path, ActiveFile{SupervisorPID: 999999}))

	err := ProbeAndReapPrevious(path, &fakeProbe{alive: false}, afdlog.WithComponent("test"))
	require.NoError(t, err)
}

func TestProbeTimeoutIsBounded(t *testing.T) {
	require.LessOrEqual(t, ProbeTimeout, 10*time.Second)
}
