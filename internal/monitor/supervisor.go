package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/shm"
)

// restartWindow and restartLimit bound worker flapping: a worker that
// exits more than 20 times within 5 seconds of its last start is given
// up on for that AFD; anything less frequent restarts with the counter
// window sliding forward.
const (
	restartWindow = 5 * time.Second
	restartLimit  = 20
)

// exitEvent is reported by the per-index watch goroutine once its `mon`
// worker's process exits — the Go-idiomatic replacement for a C
// supervisor's non-blocking waitpid poll loop: one blocking Wait() per
// child, fanned into a single channel the Supervisor's select loop drains.
type exitEvent struct {
	index int
	err   error
	at    time.Time
}

// Supervisor forks, restarts and probes one `mon` worker per configured,
// non-disabled remote AFD.
type Supervisor struct {
	MSA     *shm.MSA
	Configs []AFDConfig

	Launcher Launcher
	Reaper   Reaper

	ActiveFile string // path to AFD_MON_ACTIVE

	Logger zerolog.Logger
	Now    func() time.Time

	mu          sync.Mutex
	pids        map[int]int32
	exitHistory map[int][]time.Time
	givenUp     map[int]bool

	exits chan exitEvent
}

// NewSupervisor builds a Supervisor over an already-populated MSA (one row
// per cfg in configs, in the same order, set up by InitMSA).
func NewSupervisor(m *shm.MSA, configs []AFDConfig, launcher Launcher, reaper Reaper, activeFile string) *Supervisor {
	return &Supervisor{
		MSA:         m,
		Configs:     configs,
		Launcher:    launcher,
		Reaper:      reaper,
		ActiveFile:  activeFile,
		Logger:      afdlog.WithComponent("afdmon"),
		Now:         time.Now,
		pids:        make(map[int]int32),
		exitHistory: make(map[int][]time.Time),
		givenUp:     make(map[int]bool),
		exits:       make(chan exitEvent, 16),
	}
}

// Bootstrap probes for a stale previous supervisor then
// starts one worker per non-disabled AFD concurrently via errgroup, one
// goroutine per worker with no limit on the fan-out.
func (s *Supervisor) Bootstrap(ctx context.Context, probe PreviousSupervisorProbe) error {
	if probe != nil {
		if err := ProbeAndReapPrevious(s.ActiveFile, probe, s.Logger); err != nil {
			s.Logger.Warn().Err(err).Msg("probing previous supervisor")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, cfg := range s.Configs {
		i, cfg := i, cfg
		if cfg.Disabled {
			_ = s.MSA.SetConnectStatus(i, shm.StatusDisabledMSA)
			continue
		}
		g.Go(func() error {
			pid, err := s.startWorker(gctx, i)
			if err != nil {
				return fmt.Errorf("monitor: starting worker for %s: %w", cfg.Alias, err)
			}
			mu.Lock()
			s.pids[i] = pid
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.writeActiveFile()
}

// startWorker forks the `mon` worker for MSA index i and arranges for its
// exit to be reported on s.exits.
func (s *Supervisor) startWorker(ctx context.Context, i int) (int32, error) {
	pid, err := s.Launcher.Launch(i)
	if err != nil {
		return 0, err
	}
	go func() {
		exitErr, waitErr := s.Reaper.Reap(pid)
		if waitErr != nil {
			s.Logger.Error().Err(waitErr).Int("msa_index", i).Msg("reaping mon worker")
		}
		select {
		case s.exits <- exitEvent{index: i, err: exitErr, at: s.Now()}:
		case <-ctx.Done():
		}
	}()
	return pid, nil
}

// Run drains exit events and MON_ACTIVE refresh ticks until ctx is
// cancelled. A gocron job drives the periodic MON_ACTIVE rewrite so its
// cadence is independent of, and doesn't block, exit handling.
func (s *Supervisor) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("monitor: scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(10*time.Second),
		gocron.NewTask(func() {
			if err := s.writeActiveFile(); err != nil {
				s.Logger.Error().Err(err).Msg("refreshing MON_ACTIVE")
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("monitor: scheduling MON_ACTIVE refresh: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.exits:
			s.handleExit(ctx, ev)
		}
	}
}

func (s *Supervisor) handleExit(ctx context.Context, ev exitEvent) {
	s.mu.Lock()
	delete(s.pids, ev.index)
	hist := append(s.exitHistory[ev.index], ev.at)
	cutoff := ev.at.Add(-restartWindow)
	kept := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.exitHistory[ev.index] = kept
	tooMany := len(kept) > restartLimit
	s.mu.Unlock()

	alias := s.Configs[ev.index].Alias
	if tooMany {
		s.mu.Lock()
		s.givenUp[ev.index] = true
		s.mu.Unlock()
		_ = s.MSA.SetConnectStatus(ev.index, shm.StatusDefunct)
		s.Logger.Error().Str("afd_alias", alias).Int("exits_in_window", len(kept)).
			Msg("mon worker exiting too frequently, giving up")
		return
	}

	s.Logger.Warn().Str("afd_alias", alias).Err(ev.err).Msg("mon worker exited, restarting")
	pid, err := s.startWorker(ctx, ev.index)
	if err != nil {
		s.Logger.Error().Err(err).Str("afd_alias", alias).Msg("restarting mon worker")
		return
	}
	s.mu.Lock()
	s.pids[ev.index] = pid
	s.mu.Unlock()
	_ = s.writeActiveFile()
}

// GivenUp reports whether index's worker has been abandoned after
// exceeding the restart-window limit.
func (s *Supervisor) GivenUp(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.givenUp[index]
}
