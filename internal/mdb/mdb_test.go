package mdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMDB(t *testing.T) *MDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msg_cache")
	m, err := Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Detach() })
	return m
}

func TestParseScheme(t *testing.T) {
	require.Equal(t, SchemeFTP, ParseScheme("ftp"))
	require.Equal(t, SchemeSMTP, ParseScheme("smtp"))
	require.Equal(t, SchemeSMTP, ParseScheme("mailto"))
	require.Equal(t, SchemeLOC, ParseScheme("file"))
	require.Equal(t, SchemeLOC, ParseScheme("loc"))
	require.Equal(t, SchemeWMO, ParseScheme("wmo"))
	require.Equal(t, SchemeMAP, ParseScheme("map"))
	require.Equal(t, SchemeUnknown, ParseScheme("gopher"))
	require.Equal(t, "ftp", SchemeFTP.String())
	require.Equal(t, "unknown", SchemeUnknown.String())
}

func TestPutNewEntryAndGet(t *testing.T) {
	m := newTestMDB(t)

	pos, err := m.Put(-1, 42, "host_a", 3, SchemeFTP, 600, 1000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pos, 0)

	jobID, hostAlias, fsaPos, scheme, ageLimit, lastTransfer := m.Get(pos)
	require.Equal(t, uint32(42), jobID)
	require.Equal(t, "host_a", hostAlias)
	require.Equal(t, 3, fsaPos)
	require.Equal(t, SchemeFTP, scheme)
	require.EqualValues(t, 600, ageLimit)
	require.EqualValues(t, 0, lastTransfer)
}

func TestPutUpdatesExistingPosition(t *testing.T) {
	m := newTestMDB(t)
	pos, err := m.Put(-1, 7, "host_a", 0, SchemeFTP, 60, 500)
	require.NoError(t, err)

	pos2, err := m.Put(pos, 7, "host_a", 0, SchemeSMTP, 120, 900)
	require.NoError(t, err)
	require.Equal(t, pos, pos2)

	_, _, _, scheme, ageLimit, _ := m.Get(pos)
	require.Equal(t, SchemeSMTP, scheme)
	require.EqualValues(t, 120, ageLimit)
}

func TestFindByJobID(t *testing.T) {
	m := newTestMDB(t)
	pos, err := m.Put(-1, 99, "host_b", 1, SchemeLOC, 0, 0)
	require.NoError(t, err)

	require.Equal(t, pos, m.FindByJobID(99))
	require.Equal(t, -1, m.FindByJobID(1234))
}

func TestGrowPastInitialBlock(t *testing.T) {
	m := newTestMDB(t)
	initial := m.Count()
	for i := 0; i < initial+5; i++ {
		_, err := m.Put(-1, uint32(100+i), "host_a", 0, SchemeFTP, 0, 0)
		require.NoError(t, err)
	}
	require.Greater(t, m.Count(), initial)
	require.Equal(t, initial+5, len(m.AllJobIDs()))
}

func TestMarkTransferredAndInCurrentFSA(t *testing.T) {
	m := newTestMDB(t)
	pos, err := m.Put(-1, 5, "host_a", 0, SchemeFTP, 0, 0)
	require.NoError(t, err)

	require.True(t, m.InCurrentFSA(pos))
	m.SetInCurrentFSA(pos, false)
	require.False(t, m.InCurrentFSA(pos))

	m.MarkTransferred(pos, 12345)
	_, _, _, _, _, lastTransfer := m.Get(pos)
	require.EqualValues(t, 12345, lastTransfer)
}

func TestDeleteFreesSlotForReuse(t *testing.T) {
	m := newTestMDB(t)
	pos, err := m.Put(-1, 5, "host_a", 0, SchemeFTP, 0, 0)
	require.NoError(t, err)

	m.Delete(pos)
	require.Equal(t, -1, m.FindByJobID(5))

	pos2, err := m.Put(-1, 6, "host_b", 1, SchemeSMTP, 0, 0)
	require.NoError(t, err)
	require.Equal(t, pos, pos2)
}

func TestAllJobIDs(t *testing.T) {
	m := newTestMDB(t)
	ids := []uint32{1, 2, 3}
	for _, id := range ids {
		_, err := m.Put(-1, id, "host_a", 0, SchemeFTP, 0, 0)
		require.NoError(t, err)
	}
	require.ElementsMatch(t, ids, m.AllJobIDs())
}
