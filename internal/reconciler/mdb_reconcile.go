package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/message"
)

// ReconcileMDB compares MDB against the AMG current-message list (JID's
// occupied rows): mark surviving MDB
// entries in-current, materialise MDB rows for jobs JID already knows
// about but MDB doesn't yet, and remove_job every entry whose message
// file has gone missing and has sat untouched longer than
// Config.maxAge().
func (r *Reconciler) ReconcileMDB() error {
	current := make(map[uint32]bool)
	for _, id := range r.JID.AllJobIDs() {
		current[id] = true
	}

	for _, jobID := range r.MDB.AllJobIDs() {
		if pos := r.MDB.FindByJobID(jobID); pos >= 0 {
			r.MDB.SetInCurrentFSA(pos, current[jobID])
		}
	}

	for jobID := range current {
		if r.MDB.FindByJobID(jobID) >= 0 {
			continue
		}
		if _, err := r.loadFromJID(jobID); err != nil {
			r.Logger.Warn().Err(err).Uint32("job_id", jobID).Msg("failed to load missing mdb entry from jid")
		}
	}

	maxAge := r.Config.maxAge()
	for _, jobID := range r.MDB.AllJobIDs() {
		pos := r.MDB.FindByJobID(jobID)
		if pos < 0 || r.MDB.InCurrentFSA(pos) {
			continue
		}
		if messageFileExists(r.msgPath(jobID)) {
			continue
		}
		_, hostAlias, _, _, _, lastTransfer := r.MDB.Get(pos)
		if r.Now().Sub(time.Unix(lastTransfer, 0)) < maxAge {
			// Still within the retention window: the job is worth
			// keeping, so rebuild its message file from JID instead of
			// letting the next sweep tick find it missing again.
			if err := r.RecreateMessage(jobID); err != nil {
				r.Logger.Warn().Err(err).Uint32("job_id", jobID).Msg("recreate_msg failed")
			}
			continue
		}
		if err := r.removeJob(jobID, pos, hostAlias); err != nil {
			r.Logger.Warn().Err(err).Uint32("job_id", jobID).Msg("remove_job failed")
		}
	}
	return nil
}

// RemoveJob is the administrative delete_jobs_fifo entry point: resolve
// the job's cached coordinates and drop it the same way the sweep drops a
// stale one.
func (r *Reconciler) RemoveJob(jobID uint32) error {
	pos := r.MDB.FindByJobID(jobID)
	if pos < 0 {
		return fmt.Errorf("reconciler: job %d not in message cache", jobID)
	}
	_, hostAlias, _, _, _, _ := r.MDB.Get(pos)
	return r.removeJob(jobID, pos, hostAlias)
}

// removeJob drops a job that has neither a message file nor a recent
// transfer: kill any active worker, delete the files of its queued
// instance with a delete-log entry each, unlink the message file, drop
// the MDB row, compact JID, and drop the DNB row if no other JID entry
// still points at its directory id.
func (r *Reconciler) removeJob(jobID uint32, mdbPos int, hostAlias string) error {
	if qbPos := r.QB.FindByJobID(jobID); qbPos >= 0 {
		if pid := r.QB.Pid(qbPos); pid > 0 {
			if err := r.Kill(pid); err != nil {
				r.Logger.Warn().Err(err).Uint32("job_id", jobID).Int32("pid", pid).Msg("failed to kill worker during remove_job")
			}
		}
		r.deleteJobFiles(jobID, hostAlias, r.QB.Name(qbPos), r.QB.InErrorDir(qbPos))
		if err := r.QB.Remove(qbPos); err != nil {
			return err
		}
	}

	r.MDB.Delete(mdbPos)

	jidPos := r.JID.Find(jobID)
	if jidPos < 0 {
		return nil
	}
	_, _, dirIdx := r.JID.Get(jidPos)
	if err := r.JID.Remove(jidPos); err != nil {
		return err
	}
	if dirIdx >= 0 && !r.JID.DirIndexStillReferenced(dirIdx) {
		r.DNB.Drop(int(dirIdx))
	}
	return nil
}

// deleteJobFiles removes every file under a job's queued directory,
// recording one delete-log entry per file before unlinking it, then
// unlinks the (already missing-or-stale) message file itself.
func (r *Reconciler) deleteJobFiles(jobID uint32, hostAlias string, name message.Name, inErrorDir bool) {
	dir := filepath.Join(r.Config.WorkDir, "files", name.String())
	if inErrorDir {
		dir = filepath.Join(r.Config.WorkDir, "files", "error", hostAlias, name.String())
	}

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			var size int64
			if fi, err := e.Info(); err == nil {
				size = fi.Size()
			}
			r.Delete.Record(jobID, hostAlias, e.Name(), size, afdlog.ReasonAgeLimitExceeded)
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	_ = os.Remove(dir)
	_ = os.Remove(r.msgPath(jobID))
}
