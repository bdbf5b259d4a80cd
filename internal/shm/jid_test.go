package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJIDPutFindRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jid_number")
	j, err := CreateJID(path, 4)
	require.NoError(t, err)
	defer j.Detach()

	j.Put(0, 42, "ftp://user@host/path", "archive 300\nage-limit 60", 7)

	pos := j.Find(42)
	require.Equal(t, 0, pos)
	url, opts, dirIdx := j.Get(pos)
	require.Equal(t, "ftp://user@host/path", url)
	require.Contains(t, opts, "archive 300")
	require.EqualValues(t, 7, dirIdx)

	require.True(t, j.DirIndexStillReferenced(7))
	require.NoError(t, j.Remove(pos))
	require.Equal(t, -1, j.Find(42))
	require.False(t, j.DirIndexStillReferenced(7))
}

func TestDNBDropWhenUnreferenced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir_name_file")
	d, err := CreateDNB(path, 2)
	require.NoError(t, err)
	defer d.Detach()

	d.Put(0, 7, "/work/files/incoming")
	name, ok := d.FindByIndex(0)
	require.True(t, ok)
	require.Equal(t, "/work/files/incoming", name)

	d.Drop(0)
	_, ok = d.FindByIndex(0)
	require.False(t, ok)
}
