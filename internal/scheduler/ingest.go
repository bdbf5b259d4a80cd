package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/fifo"
	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/metrics"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/recipient"
	"github.com/transferfleet/afd/internal/shm"
)

// Ingestor materialises freshly announced jobs: parse the job's message
// file, create or refresh its MDB entry, insert the ordered QB entry, and
// let the next dispatch tick pick it up.
type Ingestor struct {
	FSA *shm.FSA
	QB  *queue.QB
	MDB *mdb.MDB

	WorkDir string
	FifoDir string

	// Recreate asks the Reconciler to rebuild a missing message file from
	// JID before the announcement is given up on. Nil disables the
	// rebuild attempt.
	Recreate func(jobID uint32) error

	Logger zerolog.Logger
	Now    func() time.Time
}

// NewIngestor builds an Ingestor over already-attached shared state.
func NewIngestor(fsa *shm.FSA, qb *queue.QB, m *mdb.MDB, workDir, fifoDir string) *Ingestor {
	return &Ingestor{
		FSA:     fsa,
		QB:      qb,
		MDB:     m,
		WorkDir: workDir,
		FifoDir: fifoDir,
		Logger:  afdlog.WithComponent("ingest"),
		Now:     time.Now,
	}
}

func (in *Ingestor) msgPath(jobID uint32) string {
	return filepath.Join(in.FifoDir, "messages", fmt.Sprint(jobID))
}

// Announce handles one msg_fifo record: parse the job's message file,
// update or create its MDB entry, insert the QB entry, and roll the job
// directory's file count and byte size into the host's queued totals. A
// job already present in QB (a duplicate announcement, or one the
// reconciler's sweep beat us to) is left alone.
func (in *Ingestor) Announce(rec fifo.MsgFifoRecord) error {
	name := message.Name{
		Priority:     rec.Priority,
		CreationTime: rec.CreationTime,
		Unique:       rec.Unique,
		JobID:        rec.JobID,
	}
	log := afdlog.WithJob(in.Logger, rec.JobID, "")

	if in.QB.FindByJobID(rec.JobID) >= 0 {
		log.Debug().Msg("announced job already queued")
		return nil
	}

	mdbPos, fsaPos, err := in.jobData(rec.JobID)
	if err != nil {
		return err
	}
	if fsaPos < 0 {
		// Host alias not present in FSA: discard.
		log.Warn().Msg("announced job's host not in fsa, discarding")
		return nil
	}

	qbPos, err := in.QB.Insert(name, mdbPos, in.Now().Unix())
	if err != nil {
		return err
	}

	files, bytes := dirTotals(filepath.Join(in.WorkDir, "files", name.String()))
	if files > 0 {
		if err := in.FSA.AddQueued(fsaPos, files, bytes); err != nil {
			log.Warn().Err(err).Msg("updating queued totals")
		}
	}

	metrics.QBDepth.Set(float64(in.QB.Len()))
	log.Info().Int("qb_pos", qbPos).Int32("files", files).Int64("bytes", bytes).Msg("job queued")
	return nil
}

// jobData parses the message file for scheme, host and age limit and
// materialises or refreshes mdb[pos].
// fsaPos < 0 with a nil error means the host alias is unknown and the job
// should be discarded.
func (in *Ingestor) jobData(jobID uint32) (mdbPos, fsaPos int, err error) {
	path := in.msgPath(jobID)

	fi, statErr := os.Stat(path)
	if os.IsNotExist(statErr) && in.Recreate != nil {
		// The message file vanished: rebuild it from JID and retry.
		if rerr := in.Recreate(jobID); rerr != nil {
			return -1, -1, fmt.Errorf("scheduler: message %d missing and not recreatable: %w", jobID, rerr)
		}
		fi, statErr = os.Stat(path)
	}
	if statErr != nil {
		return -1, -1, fmt.Errorf("scheduler: stat message %d: %w", jobID, statErr)
	}

	msg, err := message.Parse(path)
	if err != nil {
		return -1, -1, err
	}
	dest, err := recipient.Parse(msg.Recipient)
	if err != nil {
		// Malformed recipient: unlink the message, it can never dispatch.
		_ = os.Remove(path)
		return -1, -1, fmt.Errorf("scheduler: message %d has unparseable recipient: %w", jobID, err)
	}
	scheme := mdb.ParseScheme(dest.Scheme)
	if scheme == mdb.SchemeUnknown || dest.Host == "" {
		_ = os.Remove(path)
		return -1, -1, fmt.Errorf("scheduler: message %d has malformed scheme or hostname", jobID)
	}

	fsaPos = in.FSA.Find(dest.Host)
	if fsaPos < 0 {
		return -1, -1, nil
	}

	ageLimit := int32(0)
	if msg.Options.HasAgeLimit {
		ageLimit = int32(msg.Options.AgeLimit)
	}

	pos := in.MDB.FindByJobID(jobID)
	mdbPos, err = in.MDB.Put(pos, jobID, dest.Host, fsaPos, scheme, ageLimit, fi.ModTime().Unix())
	if err != nil {
		return -1, -1, err
	}
	return mdbPos, fsaPos, nil
}

// dirTotals counts the files and bytes currently waiting in a job
// directory; a directory that doesn't exist yet contributes nothing.
func dirTotals(dir string) (files int32, bytes int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if fi, err := e.Info(); err == nil {
			files++
			bytes += fi.Size()
		}
	}
	return files, bytes
}
