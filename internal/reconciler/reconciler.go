// Package reconciler implements the periodic and on-reconfiguration
// consistency sweep between the on-disk file tree, the job-id metadata AMG
// publishes (JID/DNB), and the FD's own in-memory bookkeeping
// (MDB/QB/FSA).
//
// It never talks to a live worker process directly; killing one and
// recomputing FSA aggregates are the only mutations it performs against
// shared state the scheduler also touches, and both go through the same
// region-locked accessors the scheduler uses.
package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/shm"
)

// Config carries the sweep's tunables under their traditional knob names.
type Config struct {
	WorkDir  string // <work>, parent of files/ and files/error/
	FifoDir  string // fifodir, parent of messages/

	MaxFDDirCheck     int           // per-directory entry cap for one sweep pass
	MaxOutputLogFiles int           // MAX_OUTPUT_LOG_FILES
	RotationInterval  time.Duration // one output-log rotation's lifetime
	ForceCheck        bool          // bypass the MaxFDDirCheck skip
}

func (c Config) maxAge() time.Duration {
	return time.Duration(c.MaxOutputLogFiles) * c.RotationInterval
}

// Reconciler owns one sweep cycle's dependencies. Each exported method is
// one sweep task, callable independently so a
// caller (cmd/fd, or a gocron job) can schedule them on different cadences.
type Reconciler struct {
	FSA *shm.FSA
	QB  *queue.QB
	MDB *mdb.MDB
	JID *shm.JID
	DNB *shm.DNB

	Config Config
	Logger zerolog.Logger
	Delete *afdlog.DeleteLog

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time
	// Kill terminates a worker pid; swappable in tests since sending a
	// real SIGTERM to an arbitrary pid isn't something a unit test should
	// ever do for real.
	Kill func(pid int32) error
}

// New builds a Reconciler with production defaults for Now/Kill.
func New(fsa *shm.FSA, qb *queue.QB, m *mdb.MDB, jid *shm.JID, dnb *shm.DNB, cfg Config) *Reconciler {
	return &Reconciler{
		FSA:    fsa,
		QB:     qb,
		MDB:    m,
		JID:    jid,
		DNB:    dnb,
		Config: cfg,
		Logger: afdlog.WithComponent("reconciler"),
		Delete: afdlog.NewDeleteLog(afdlog.WithComponent("reconciler"), nil),
		Now:    time.Now,
		Kill:   killPid,
	}
}

func killPid(pid int32) error {
	return syscall.Kill(int(pid), syscall.SIGTERM)
}

// Run executes the full sweep: directory scan, then MDB/AMG
// reconciliation, then per-host totals recompute. The periodic
// DIR_CHECK_TIME tick, the fsnotify trigger and the FD's CHECK_DIR
// command all funnel through this.
func (r *Reconciler) Run() error {
	r.remapStaleAreas()
	if n, err := r.SweepDirectories(); err != nil {
		return fmt.Errorf("reconciler: sweep: %w", err)
	} else if n > 0 {
		r.Logger.Info().Int("inserted", n).Msg("directory sweep inserted QB entries")
	}
	if err := r.ReconcileMDB(); err != nil {
		return fmt.Errorf("reconciler: mdb reconcile: %w", err)
	}
	r.RecomputeTotals()
	return nil
}

// remapStaleAreas re-attaches any area that reports Stale() since the
// last pass (a STALE header flag, or an element count that has outgrown
// this process's mapping); no other signal is acted on.
func (r *Reconciler) remapStaleAreas() {
	type area interface {
		Stale() bool
		Reattach() error
	}
	for _, a := range []area{r.FSA, r.QB, r.MDB, r.JID, r.DNB} {
		if a.Stale() {
			if err := a.Reattach(); err != nil {
				r.Logger.Error().Err(err).Msg("re-attaching stale shared area")
			}
		}
	}
}

// msgPath returns the on-disk job message file path for a job-id
// (fifodir/messages/<job_id>).
func (r *Reconciler) msgPath(jobID uint32) string {
	return filepath.Join(r.Config.FifoDir, "messages", fmt.Sprint(jobID))
}

func messageFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
