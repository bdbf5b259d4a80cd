package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/message"
)

func newTestQB(t *testing.T) *QB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fd_msg_queue")
	q, err := Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Detach() })
	return q
}

func TestInsertKeepsNonDecreasingOrder(t *testing.T) {
	q := newTestQB(t)

	_, err := q.Insert(message.Name{Priority: '5', CreationTime: 1000, Unique: 1, JobID: 1}, 0, 1000)
	require.NoError(t, err)
	hi, err := q.Insert(message.Name{Priority: '0', CreationTime: 1000, Unique: 2, JobID: 2}, 1, 1001)
	require.NoError(t, err)

	require.Equal(t, 2, q.Len())
	// '0' outranks '5' (lower ASCII sorts first), so it must land before it.
	require.Less(t, hi, q.FindByJobID(1))

	for i := 0; i < q.Len()-1; i++ {
		require.LessOrEqual(t, q.MsgNumber(i), q.MsgNumber(i+1))
	}
}

func TestInsertGrowsWhenFull(t *testing.T) {
	q := newTestQB(t)
	for i := 0; i < growBlock+5; i++ {
		_, err := q.Insert(message.Name{Priority: '5', CreationTime: int64(i), Unique: 1, JobID: uint32(i)}, i, int64(i))
		require.NoError(t, err)
	}
	require.Equal(t, growBlock+5, q.Len())
}

func TestRemoveCollapsesTail(t *testing.T) {
	q := newTestQB(t)
	for i := 0; i < 3; i++ {
		_, err := q.Insert(message.Name{Priority: '5', CreationTime: int64(i), Unique: 1, JobID: uint32(i)}, i, int64(i))
		require.NoError(t, err)
	}
	require.NoError(t, q.Remove(1))
	require.Equal(t, 2, q.Len())
	require.Equal(t, uint32(0), q.Name(0).JobID)
	require.Equal(t, uint32(2), q.Name(1).JobID)
}

func TestDispatchAndMarkPending(t *testing.T) {
	q := newTestQB(t)
	pos, err := q.Insert(message.Name{Priority: '5', CreationTime: 1, Unique: 1, JobID: 9}, 0, 1)
	require.NoError(t, err)
	require.EqualValues(t, PidPending, q.Pid(pos))

	q.Dispatch(pos, 4242, 3)
	require.EqualValues(t, 4242, q.Pid(pos))

	q.MarkPending(pos)
	require.EqualValues(t, PidPending, q.Pid(pos))
}

func TestFindByJobID(t *testing.T) {
	q := newTestQB(t)
	_, err := q.Insert(message.Name{Priority: '5', CreationTime: 1, Unique: 1, JobID: 7}, 0, 1)
	require.NoError(t, err)
	pos, err := q.Insert(message.Name{Priority: '5', CreationTime: 2, Unique: 1, JobID: 8}, 1, 2)
	require.NoError(t, err)

	require.Equal(t, pos, q.FindByJobID(8))
	require.Equal(t, -1, q.FindByJobID(99))
}
