package reconciler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/shm"
)

func TestRemapFSAFollowsAliasToNewPosition(t *testing.T) {
	f := newFixture(t, t.TempDir())

	pos, err := f.mdb.Put(-1, 77, "host_a", 0, mdb.SchemeFTP, 3600, 0)
	require.NoError(t, err)
	f.mdb.SetInCurrentFSA(pos, true)

	// Simulate AMG regenerating FSA with host_a moved to index 1 and a
	// new host_b inserted at index 0.
	dir := t.TempDir()
	newFSA, err := shm.CreateFSA(filepath.Join(dir, "fsa_status"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = newFSA.Detach() })
	newFSA.Init(0, "host_b", "host_b1", "hb1", "hb2", 1, 3, false)
	newFSA.Init(1, "host_a", "host_a1", "h1", "h2", 2, 3, false)

	f.r.FSA = newFSA
	remapped, orphaned := f.r.RemapFSA()
	require.Equal(t, 1, remapped)
	require.Equal(t, 0, orphaned)

	_, hostAlias, fsaPos, _, _, _ := f.mdb.Get(pos)
	require.Equal(t, "host_a", hostAlias)
	require.Equal(t, 1, fsaPos)
	require.True(t, f.mdb.InCurrentFSA(pos))
}

func TestRemapFSAOrphansMissingAlias(t *testing.T) {
	f := newFixture(t, t.TempDir())

	pos, err := f.mdb.Put(-1, 78, "host_gone", 0, mdb.SchemeFTP, 3600, 0)
	require.NoError(t, err)
	f.mdb.SetInCurrentFSA(pos, true)

	dir := t.TempDir()
	newFSA, err := shm.CreateFSA(filepath.Join(dir, "fsa_status"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = newFSA.Detach() })
	newFSA.Init(0, "host_a", "host_a1", "h1", "h2", 2, 3, false)

	f.r.FSA = newFSA
	remapped, orphaned := f.r.RemapFSA()
	require.Equal(t, 0, remapped)
	require.Equal(t, 1, orphaned)
	require.False(t, f.mdb.InCurrentFSA(pos))
}
