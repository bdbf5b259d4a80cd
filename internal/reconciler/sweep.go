package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/recipient"
)

// maxConcurrentRootScans bounds how many `files/error/<host>/` directories
// the sweep walks at once: the roots are independent, QB.Insert is already
// region-locked, so nothing stops them running in parallel except a bound
// on host count.
const maxConcurrentRootScans = 8

// SweepDirectories scans the spool: every `<work>/files/<msg>` and
// `<work>/files/error/<host>/<msg>` directory with a valid job-name
// shape that isn't already represented in QB gets a QB entry inserted.
//
// A directory whose own entry count is >= Config.MaxFDDirCheck is
// skipped for *this* pass only — "skip this sweep", never "skip
// permanently": SweepDirectories does not remember a directory as done;
// the next call (the next DIR_CHECK_TIME tick) looks at it again.
//
// Roots are scanned concurrently, bounded by maxConcurrentRootScans, since
// each error-host directory is independent and QB.Insert takes its own
// region lock.
func (r *Reconciler) SweepDirectories() (inserted int, err error) {
	roots, err := r.sweepRoots()
	if err != nil {
		return 0, err
	}

	var total int64
	sem := semaphore.NewWeighted(maxConcurrentRootScans)
	g, ctx := errgroup.WithContext(context.Background())
	for _, root := range roots {
		root := root
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			n, err := r.sweepOneRoot(root)
			if err != nil {
				return err
			}
			atomic.AddInt64(&total, int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total), err
	}
	return int(total), nil
}

// sweepRoots lists `files/` plus one `files/error/<host>/` per existing
// error-directory host.
func (r *Reconciler) sweepRoots() ([]string, error) {
	filesRoot := filepath.Join(r.Config.WorkDir, "files")
	roots := []string{filesRoot}

	errorRoot := filepath.Join(filesRoot, "error")
	hostDirs, err := os.ReadDir(errorRoot)
	if os.IsNotExist(err) {
		return roots, nil
	}
	if err != nil {
		return nil, err
	}
	for _, h := range hostDirs {
		if h.IsDir() {
			roots = append(roots, filepath.Join(errorRoot, h.Name()))
		}
	}
	return roots, nil
}

func (r *Reconciler) sweepOneRoot(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if len(entries) >= r.Config.MaxFDDirCheck && !r.Config.ForceCheck {
		r.Logger.Debug().Str("dir", root).Int("entries", len(entries)).
			Msg("skipping oversized directory this pass")
		return 0, nil
	}

	inErrorDir := filepath.Base(filepath.Dir(root)) == "error"
	inserted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := message.ParseName(e.Name())
		if err != nil {
			continue // not a job-name-shaped directory; not ours to manage
		}
		if r.QB.FindByJobID(name.JobID) >= 0 {
			continue // already represented
		}

		mdbPos, err := r.ensureMDBEntry(name.JobID)
		if err != nil {
			r.Logger.Warn().Err(err).Uint32("job_id", name.JobID).Msg("mdb lookup failed during sweep")
			continue
		}

		pos, err := r.QB.Insert(name, mdbPos, r.Now().Unix())
		if err != nil {
			return inserted, err
		}
		r.QB.SetInErrorDir(pos, inErrorDir)
		inserted++
	}
	return inserted, nil
}

// ensureMDBEntry returns jobID's MDB position, materialising one from JID
// if the reconciler is seeing this job-id for the first time (recovery
// after a supervisor crash).
func (r *Reconciler) ensureMDBEntry(jobID uint32) (int, error) {
	if pos := r.MDB.FindByJobID(jobID); pos >= 0 {
		return pos, nil
	}
	return r.loadFromJID(jobID)
}

// loadFromJID creates an MDB row for jobID from JID's recipient URL,
// resolving the destination host's FSA position and wire scheme the same
// way the worker dispatch path does.
func (r *Reconciler) loadFromJID(jobID uint32) (int, error) {
	jidPos := r.JID.Find(jobID)
	if jidPos < 0 {
		return -1, errJobNotInJID(jobID)
	}
	recipientURL, _, _ := r.JID.Get(jidPos)
	u, err := recipient.Parse(recipientURL)
	if err != nil {
		return -1, err
	}

	fsaPos := r.FSA.Find(u.Host)
	scheme := mdb.ParseScheme(u.Scheme)
	return r.MDB.Put(-1, jobID, u.Host, fsaPos, scheme, 0, r.Now().Unix())
}

type errJobNotInJID uint32

func (e errJobNotInJID) Error() string {
	return "reconciler: job-id not present in JID"
}
