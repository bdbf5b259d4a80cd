package monitor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/shm"
)

func newTestMSAForMonitor(t *testing.T) *shm.MSA {
	t.Helper()
	path := filepath.Join(t.TempDir(), "MSA")
	m, err := shm.CreateMSA(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Detach() })
	m.Init(0, "afd_a", "host1.example", "", 4329, 4329, 60)
	return m
}

func TestParseLineTwoLetterPrefix(t *testing.T) {
	l, err := ParseLine("IS 10 20 1.5 2.5 0 3 2 5\r\n")
	require.NoError(t, err)
	require.Equal(t, "IS", l.Prefix)
	require.Len(t, l.Tokens, 8)
}

func TestParseLineNumericReply(t *testing.T) {
	l, err := ParseLine("226-transfer complete")
	require.NoError(t, err)
	require.Equal(t, "NUM", l.Prefix)
}

func TestParseLineUnknownPrefixShape(t *testing.T) {
	_, err := ParseLine("nope")
	require.Error(t, err)
}

func TestIsShutdown(t *testing.T) {
	require.True(t, IsShutdown("AFDD SHUTDOWN\r\n"))
	require.False(t, IsShutdown("IS 1 2 3\r\n"))
}

func TestApplyIS(t *testing.T) {
	m := newTestMSAForMonitor(t)
	l, err := ParseLine("IS 10 20 123.5 4.0 0 2 3 7")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))

	require.EqualValues(t, 2, m.HostErrorCounter(0))
	require.EqualValues(t, 7, m.JobsInQueue(0))
	require.EqualValues(t, 3, m.ActiveTransfers(0))
}

func TestApplyDaemonStatusLines(t *testing.T) {
	m := newTestMSAForMonitor(t)

	am, err := ParseLine("AM 1")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, am, 13))

	fd, err := ParseLine("FD 0")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, fd, 13))
}

func TestApplyUnknownPrefixIsSkipped(t *testing.T) {
	m := newTestMSAForMonitor(t)
	l, err := ParseLine("ZZ whatever")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))
}

func TestApplyHostListRow(t *testing.T) {
	m := newTestMSAForMonitor(t)

	l, err := ParseLine("HL 3 wx_main 2 1")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))

	alias, errorCounter, status, ok := m.RemoteHost(0, 3)
	require.True(t, ok)
	require.Equal(t, "wx_main", alias)
	require.EqualValues(t, 2, errorCounter)
	require.EqualValues(t, 1, status)

	_, _, _, ok = m.RemoteHost(0, 4)
	require.False(t, ok, "an index no HL row populated stays empty")
}

func TestApplyDirListRow(t *testing.T) {
	m := newTestMSAForMonitor(t)

	l, err := ParseLine("DL 0 incoming 1")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))

	alias, status, ok := m.RemoteDir(0, 0)
	require.True(t, ok)
	require.Equal(t, "incoming", alias)
	require.EqualValues(t, 1, status)
}

func TestApplyErrorHistoryRow(t *testing.T) {
	m := newTestMSAForMonitor(t)

	l, err := ParseLine("EL 2 3 7 7 0")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))

	hist := m.HostErrorHistory(0, 2)
	require.Equal(t, []byte{7, 7, 0}, hist[:3])
}

func TestApplyNHTrimsStaleHostRows(t *testing.T) {
	m := newTestMSAForMonitor(t)

	for _, raw := range []string{"HL 0 host_a 0", "HL 1 host_b 1", "HL 2 host_c 0"} {
		l, err := ParseLine(raw)
		require.NoError(t, err)
		require.NoError(t, Apply(m, 0, l, 13))
	}

	l, err := ParseLine("NH 2")
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))

	_, _, _, ok := m.RemoteHost(0, 1)
	require.True(t, ok, "rows inside the new count survive")
	_, _, _, ok = m.RemoteHost(0, 2)
	require.False(t, ok, "rows beyond the new count are dropped")
}

func TestApplyHistoryRing(t *testing.T) {
	m := newTestMSAForMonitor(t)
	l, err := ParseLine("RH " + string(make([]byte, shm.MaxLogHistory)))
	require.NoError(t, err)
	require.NoError(t, Apply(m, 0, l, 13))
	_, n := m.LogHistory(0, shm.LogReceive)
	require.Equal(t, shm.MaxLogHistory, n)
}
