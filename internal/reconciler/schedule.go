package reconciler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// watchDebounce is how long the watcher waits after the first fsnotify
// event of a burst before running an out-of-band sweep; events arriving
// in the meantime are covered by that same sweep.
const watchDebounce = 600 * time.Millisecond

// Serve runs the periodic DIR_CHECK_TIME sweep via gocron and, in
// parallel, a debounced fsnotify watch over files/ and files/error/<host>/
// that triggers an out-of-band sweep between ticks. The poll remains
// authoritative; fsnotify is strictly a latency optimisation and its
// errors never stop the scheduled job. Serve blocks until ctx is
// cancelled.
func (r *Reconciler) Serve(ctx context.Context, dirCheckInterval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(dirCheckInterval),
		gocron.NewTask(func() { r.runWithCorrelation("dir_check_time") }),
	)
	if err != nil {
		return err
	}

	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	go r.watchFiles(ctx)

	<-ctx.Done()
	return nil
}

// runWithCorrelation runs one full sweep tagged with a fresh correlation
// id, so a single reconciliation pass's log lines can be grepped together
// regardless of whether the periodic tick or a debounced fsnotify event
// triggered it.
func (r *Reconciler) runWithCorrelation(trigger string) {
	runID := uuid.NewString()
	log := r.Logger.With().Str("run_id", runID).Str("trigger", trigger).Logger()
	if err := r.Run(); err != nil {
		log.Error().Err(err).Msg("reconciliation sweep failed")
		return
	}
	log.Debug().Msg("reconciliation sweep completed")
}

// watchFiles supplements the DIR_CHECK_TIME poll with an fsnotify watch,
// debouncing bursts of events into a single out-of-band sweep.
// Watch setup failures are logged and swallowed: the poll alone is
// already a complete discovery path.
func (r *Reconciler) watchFiles(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.Logger.Warn().Err(err).Msg("fsnotify unavailable, relying on poll only")
		return
	}
	defer watcher.Close()

	root := filepath.Join(r.Config.WorkDir, "files")
	addDir := func(p string) {
		if err := watcher.Add(p); err != nil {
			r.Logger.Debug().Err(err).Str("dir", p).Msg("fsnotify add failed")
		}
	}
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			addDir(p)
		}
		return nil
	})

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false
	trigger := func() {
		if pending {
			return
		}
		pending = true
		debounce.Reset(watchDebounce)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				r.Logger.Debug().Err(err).Msg("fsnotify watch error")
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = filepath.WalkDir(ev.Name, func(p string, d fs.DirEntry, err error) error {
						if err == nil && d.IsDir() {
							addDir(p)
						}
						return nil
					})
				}
			}
			trigger()
		case <-debounce.C:
			pending = false
			r.runWithCorrelation("fsnotify")
		}
	}
}
