package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/fifo"
	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/shm"
)

func newIngestFixture(t *testing.T) (*Ingestor, *shm.FSA, *queue.QB, *mdb.MDB, string) {
	t.Helper()
	workDir := t.TempDir()
	fifoDir := filepath.Join(workDir, "fifodir")
	require.NoError(t, os.MkdirAll(filepath.Join(fifoDir, "messages"), 0750))
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "files"), 0750))

	fsa, err := shm.CreateFSA(filepath.Join(fifoDir, "fsa_status"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsa.Detach() })
	fsa.Init(0, "host_a", "host_a1", "h1", "h2", 2, 3, false)

	qb, err := queue.Create(filepath.Join(fifoDir, "fd_msg_queue"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = qb.Detach() })

	m, err := mdb.Create(filepath.Join(fifoDir, "fd_msg_cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Detach() })

	return NewIngestor(fsa, qb, m, workDir, fifoDir), fsa, qb, m, workDir
}

func TestAnnounceQueuesJobAndUpdatesTotals(t *testing.T) {
	in, fsa, qb, m, workDir := newIngestFixture(t)

	msg := &message.Message{Recipient: "ftp://user@host_a/incoming"}
	require.NoError(t, msg.WriteFile(filepath.Join(workDir, "fifodir", "messages", "42")))

	name := message.Name{Priority: '5', CreationTime: 1700000000, Unique: 1, JobID: 42}
	filesDir := filepath.Join(workDir, "files", name.String())
	require.NoError(t, os.MkdirAll(filesDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, "a.dat"), []byte("0123456789"), 0640))

	rec := fifo.MsgFifoRecord{CreationTime: name.CreationTime, JobID: 42, Unique: 1, Priority: '5'}
	require.NoError(t, in.Announce(rec))

	require.Equal(t, 1, qb.Len())
	require.GreaterOrEqual(t, m.FindByJobID(42), 0, "an MDB entry must be materialised")
	_, hostAlias, fsaPos, scheme, _, _ := m.Get(m.FindByJobID(42))
	require.Equal(t, "host_a", hostAlias)
	require.Equal(t, 0, fsaPos)
	require.Equal(t, mdb.SchemeFTP, scheme)

	require.EqualValues(t, 1, fsa.TotalFileCounter(0))
	require.EqualValues(t, 10, fsa.TotalFileSize(0))
}

func TestAnnounceIsIdempotentForQueuedJob(t *testing.T) {
	in, _, qb, _, workDir := newIngestFixture(t)

	msg := &message.Message{Recipient: "ftp://user@host_a/incoming"}
	require.NoError(t, msg.WriteFile(filepath.Join(workDir, "fifodir", "messages", "42")))

	rec := fifo.MsgFifoRecord{CreationTime: 1700000000, JobID: 42, Unique: 1, Priority: '5'}
	require.NoError(t, in.Announce(rec))
	require.NoError(t, in.Announce(rec))
	require.Equal(t, 1, qb.Len(), "a duplicate announcement must not enqueue twice")
}

func TestAnnounceUnlinksMalformedMessage(t *testing.T) {
	in, _, qb, _, workDir := newIngestFixture(t)

	path := filepath.Join(workDir, "fifodir", "messages", "7")
	require.NoError(t, os.WriteFile(path, []byte("[destination]\nnot-a-url\n"), 0640))

	rec := fifo.MsgFifoRecord{CreationTime: 1700000000, JobID: 7, Unique: 1, Priority: '5'}
	require.Error(t, in.Announce(rec))
	require.Equal(t, 0, qb.Len())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "a malformed message must be unlinked")
}

func TestAnnounceDiscardsUnknownHost(t *testing.T) {
	in, _, qb, m, workDir := newIngestFixture(t)

	msg := &message.Message{Recipient: "ftp://user@no_such_host/incoming"}
	require.NoError(t, msg.WriteFile(filepath.Join(workDir, "fifodir", "messages", "9")))

	rec := fifo.MsgFifoRecord{CreationTime: 1700000000, JobID: 9, Unique: 1, Priority: '5'}
	require.NoError(t, in.Announce(rec), "an unknown host is a discard, not an error")
	require.Equal(t, 0, qb.Len())
	require.Equal(t, -1, m.FindByJobID(9))
}

func TestAnnounceRecreatesMissingMessage(t *testing.T) {
	in, _, qb, _, workDir := newIngestFixture(t)

	recreated := false
	in.Recreate = func(jobID uint32) error {
		recreated = true
		msg := &message.Message{Recipient: "ftp://user@host_a/incoming"}
		return msg.WriteFile(filepath.Join(workDir, "fifodir", "messages", "11"))
	}

	rec := fifo.MsgFifoRecord{CreationTime: 1700000000, JobID: 11, Unique: 1, Priority: '5'}
	require.NoError(t, in.Announce(rec))
	require.True(t, recreated)
	require.Equal(t, 1, qb.Len())
}
