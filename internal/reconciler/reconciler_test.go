package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/shm"
)

type fixture struct {
	fsa *shm.FSA
	qb  *queue.QB
	mdb *mdb.MDB
	jid *shm.JID
	dnb *shm.DNB
	r   *Reconciler
}

func newFixture(t *testing.T, workDir string) *fixture {
	t.Helper()
	dir := t.TempDir()

	fsa, err := shm.CreateFSA(filepath.Join(dir, "fsa_status"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsa.Detach() })
	fsa.Init(0, "host_a", "host_a1", "h1", "h2", 2, 3, false)

	qb, err := queue.Create(filepath.Join(dir, "fd_msg_queue"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = qb.Detach() })

	m, err := mdb.Create(filepath.Join(dir, "msg_cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Detach() })

	jid, err := shm.CreateJID(filepath.Join(dir, "job_id_data"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jid.Detach() })

	dnb, err := shm.CreateDNB(filepath.Join(dir, "dir_name_buf"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dnb.Detach() })

	r := New(fsa, qb, m, jid, dnb, Config{
		WorkDir:           workDir,
		FifoDir:           workDir,
		MaxFDDirCheck:     1000,
		MaxOutputLogFiles: 7,
		RotationInterval:  24 * time.Hour,
	})
	var killed []int32
	r.Kill = func(pid int32) error {
		killed = append(killed, pid)
		return nil
	}
	return &fixture{fsa: fsa, qb: qb, mdb: m, jid: jid, dnb: dnb, r: r}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0750))
}

func TestSweepDirectoriesInsertsQBEntryForOrphanDirectory(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	jobID := uint32(42)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "", -1)

	name := message.Name{Priority: '5', CreationTime: 1000, Unique: 1, JobID: jobID}
	mustMkdirAll(t, filepath.Join(work, "files", name.String()))

	inserted, err := f.r.SweepDirectories()
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.GreaterOrEqual(t, f.qb.FindByJobID(jobID), 0)
}

func TestSweepDirectoriesSkipsAlreadyQueuedJob(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	jobID := uint32(7)
	mdbPos, err := f.mdb.Put(-1, jobID, "host_a", 0, mdb.SchemeFTP, 0, 0)
	require.NoError(t, err)
	name := message.Name{Priority: '5', CreationTime: 1000, Unique: 1, JobID: jobID}
	_, err = f.qb.Insert(name, mdbPos, 1000)
	require.NoError(t, err)
	mustMkdirAll(t, filepath.Join(work, "files", name.String()))

	inserted, err := f.r.SweepDirectories()
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
}

func TestSweepDirectoriesSkipsOversizedDirectory(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)
	f.r.Config.MaxFDDirCheck = 1

	for i := uint32(1); i <= 2; i++ {
		name := message.Name{Priority: '5', CreationTime: 1000, Unique: i, JobID: i}
		mustMkdirAll(t, filepath.Join(work, "files", name.String()))
		f.jid.Put(int(i-1), i, "ftp://anon@host_a/upload", "", -1)
	}

	inserted, err := f.r.SweepDirectories()
	require.NoError(t, err)
	require.Equal(t, 0, inserted, "directory at or above MaxFDDirCheck is skipped this pass")
}

func TestReconcileMDBMarksSurvivorsInCurrent(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	jobID := uint32(9)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "", -1)
	mdbPos, err := f.mdb.Put(-1, jobID, "host_a", 0, mdb.SchemeFTP, 0, 0)
	require.NoError(t, err)
	f.mdb.SetInCurrentFSA(mdbPos, false)

	require.NoError(t, f.r.ReconcileMDB())
	require.True(t, f.mdb.InCurrentFSA(mdbPos))
}

func TestReconcileMDBLoadsMissingEntryFromJID(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	jobID := uint32(11)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "", -1)

	require.NoError(t, f.r.ReconcileMDB())
	require.GreaterOrEqual(t, f.mdb.FindByJobID(jobID), 0)
}

func TestReconcileMDBRemovesStaleJobWithMissingMessage(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)
	f.r.Now = func() time.Time { return time.Unix(1_000_000, 0) }

	jobID := uint32(13)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "", -1)
	mdbPos, err := f.mdb.Put(-1, jobID, "host_a", 0, mdb.SchemeFTP, 0, 0)
	require.NoError(t, err)
	f.mdb.SetInCurrentFSA(mdbPos, false) // no longer in AMG's current list

	name := message.Name{Priority: '5', CreationTime: 1000, Unique: 1, JobID: jobID}
	dir := filepath.Join(work, "files", name.String())
	mustMkdirAll(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload.dat"), []byte("x"), 0640))
	_, err = f.qb.Insert(name, mdbPos, 1000)
	require.NoError(t, err)

	require.NoError(t, f.r.ReconcileMDB())

	require.Equal(t, -1, f.mdb.FindByJobID(jobID))
	require.Equal(t, -1, f.qb.FindByJobID(jobID))
	require.Equal(t, -1, f.jid.Find(jobID))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err), "job directory should be removed")
}

func TestReconcileMDBRecreatesMessageWithinRetentionWindow(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)
	f.r.Now = func() time.Time { return time.Unix(1000, 0) } // well inside maxAge

	jobID := uint32(21)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "archive 60", -1)
	mdbPos, err := f.mdb.Put(-1, jobID, "host_a", 0, mdb.SchemeFTP, 0, 900)
	require.NoError(t, err)
	f.mdb.SetInCurrentFSA(mdbPos, false)

	mustMkdirAll(t, filepath.Join(work, "messages"))

	require.NoError(t, f.r.ReconcileMDB())

	_, err = os.Stat(f.r.msgPath(jobID))
	require.NoError(t, err, "message file should have been recreated from JID")
}

func TestRecreateMessageRendersRecipientAndOptions(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)
	mustMkdirAll(t, filepath.Join(work, "messages"))

	jobID := uint32(5)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "archive 120", -1)

	require.NoError(t, f.r.RecreateMessage(jobID))

	data, err := os.ReadFile(f.r.msgPath(jobID))
	require.NoError(t, err)
	msg, err := message.ParseString(string(data))
	require.NoError(t, err)
	require.Equal(t, "ftp://anon@host_a/upload", msg.Recipient)
	require.True(t, msg.Options.HasArchive)
	require.Equal(t, 120, msg.Options.ArchiveSeconds)
}

func TestRecreateMessageUnknownJobIsError(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)
	require.Error(t, f.r.RecreateMessage(999))
}

func TestRemoveJobDeletesQueuedJobAdministratively(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	jobID := uint32(31)
	f.jid.Put(0, jobID, "ftp://anon@host_a/upload", "", -1)
	mdbPos, err := f.mdb.Put(-1, jobID, "host_a", 0, mdb.SchemeFTP, 0, 0)
	require.NoError(t, err)

	name := message.Name{Priority: '5', CreationTime: 1000, Unique: 1, JobID: jobID}
	dir := filepath.Join(work, "files", name.String())
	mustMkdirAll(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload.dat"), []byte("x"), 0640))
	_, err = f.qb.Insert(name, mdbPos, 1000)
	require.NoError(t, err)

	require.NoError(t, f.r.RemoveJob(jobID))

	require.Equal(t, -1, f.mdb.FindByJobID(jobID))
	require.Equal(t, -1, f.qb.FindByJobID(jobID))
	require.Equal(t, -1, f.jid.Find(jobID))
}

func TestRemoveJobUnknownJobIsError(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)
	require.Error(t, f.r.RemoveJob(999))
}

func TestRecomputeTotalsResetsIdleHostOnly(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	require.NoError(t, f.fsa.IncActiveTransfers(0))
	_, err := f.fsa.IncErrorCounter(0, 1000)
	require.NoError(t, err)
	require.NoError(t, f.fsa.AddQueued(0, 3, 900))

	f.r.RecomputeTotals()

	require.EqualValues(t, 0, f.fsa.ActiveTransfers(0))
	require.EqualValues(t, 0, f.fsa.ErrorCounter(0))
	require.EqualValues(t, 0, f.fsa.TotalFileCounter(0))
	require.EqualValues(t, 0, f.fsa.TotalFileSize(0))
}

func TestRecomputeTotalsLeavesHostWithQueuedJobAlone(t *testing.T) {
	work := t.TempDir()
	f := newFixture(t, work)

	mdbPos, err := f.mdb.Put(-1, uint32(1), "host_a", 0, mdb.SchemeFTP, 0, 0)
	require.NoError(t, err)
	name := message.Name{Priority: '5', CreationTime: 1000, Unique: 1, JobID: 1}
	_, err = f.qb.Insert(name, mdbPos, 1000)
	require.NoError(t, err)

	require.NoError(t, f.fsa.AddQueued(0, 2, 500))
	f.r.RecomputeTotals()

	require.EqualValues(t, 2, f.fsa.TotalFileCounter(0), "host still has a queued job, totals must not be reset")
}
