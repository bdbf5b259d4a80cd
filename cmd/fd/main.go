// Command fd is the transfer supervisor daemon: it owns FSA/QB/MDB/JID/DNB,
// dispatches sf_* workers, and runs the Reconciler in the background.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/config"
	"github.com/transferfleet/afd/internal/fifo"
	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/metrics"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/reconciler"
	"github.com/transferfleet/afd/internal/scheduler"
	"github.com/transferfleet/afd/internal/shm"
)

var (
	configPath string
	foreground bool
)

func main() {
	root := &cobra.Command{
		Use:   "fd",
		Short: "AFD transfer supervisor",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/afd/afd.yaml", "daemon configuration file")
	root.Flags().BoolVarP(&foreground, "foreground", "f", false, "stay attached to the controlling terminal")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !foreground {
		ctx := &daemon.Context{
			PidFileName: filepath.Join(cfg.WorkDir, "fd.pid"),
			PidFilePerm: 0644,
			LogFileName: filepath.Join(cfg.LogDir, "fd.log"),
			LogFilePerm: 0640,
			WorkDir:     cfg.WorkDir,
			Umask:       027,
			Args:        append([]string{"fd"}, os.Args[1:]...),
		}
		d, err := ctx.Reborn()
		if err != nil {
			return fmt.Errorf("fd: daemonize: %w", err)
		}
		if d != nil {
			return nil // parent: child is running detached
		}
		defer ctx.Release()
	}

	afdlog.Init(afdlog.Config{
		Level:      afdlog.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	logger := afdlog.WithComponent("fd")

	if err := os.MkdirAll(cfg.FifoDir, 0750); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(cfg.FifoDir, "messages"), 0750); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.FilesDir, 0750); err != nil {
		return err
	}

	areas, err := openAreas(cfg)
	if err != nil {
		return err
	}
	defer areas.detach()

	chans, err := openFifos(cfg.FifoDir)
	if err != nil {
		return err
	}
	defer chans.close()

	bins := scheduler.Binaries{
		FTP:  cfg.Workers.FTPBinary,
		SMTP: cfg.Workers.SMTPBinary,
		Loc:  cfg.Workers.LocBinary,
		WMO:  cfg.Workers.WMOBinary,
	}
	launcher := scheduler.NewExecLauncher(cfg.WorkDir, bins)
	launcher.MaxBurst = cfg.Workers.MaxBurst
	launcher.TransDebug = cfg.Workers.TransDebug
	launcher.ArchiveStepTime = cfg.Poll.ArchiveStepTime
	sched := scheduler.New(areas.fsa, areas.qb, areas.mdb, launcher)
	sched.MaxBurst = cfg.Workers.MaxBurst
	sup := scheduler.NewSupervisor(sched, launcher, chans.done, chans.cmd, chans.resp)

	rec := reconciler.New(areas.fsa, areas.qb, areas.mdb, areas.jid, areas.dnb, reconciler.Config{
		WorkDir:           cfg.WorkDir,
		FifoDir:           cfg.FifoDir,
		MaxFDDirCheck:     2000,
		MaxOutputLogFiles: 7,
		RotationInterval:  cfg.Poll.ArchiveStepTime,
	})

	ingest := scheduler.NewIngestor(areas.fsa, areas.qb, areas.mdb, cfg.WorkDir, cfg.FifoDir)
	ingest.Recreate = rec.RecreateMessage

	sup.MsgFifo = chans.msg
	sup.WakeFifo = chans.wake
	sup.RetryFifo = chans.retry
	sup.DeleteFifo = chans.del
	sup.Ingest = ingest
	sup.RemoveJob = rec.RemoveJob
	sup.CheckDir = rec.Run

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	go func() {
		if err := rec.Serve(ctx, cfg.Poll.DirCheckInterval); err != nil {
			logger.Error().Err(err).Msg("reconciler stopped")
		}
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, logger)
	}

	logger.Info().Str("work_dir", cfg.WorkDir).Msg("fd starting")
	return sup.Run(ctx)
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

type areas struct {
	fsa *shm.FSA
	qb  *queue.QB
	mdb *mdb.MDB
	jid *shm.JID
	dnb *shm.DNB
}

func (a *areas) detach() {
	_ = a.fsa.Detach()
	_ = a.qb.Detach()
	_ = a.mdb.Detach()
	_ = a.jid.Detach()
	_ = a.dnb.Detach()
}

// openAreas attaches every shared area under cfg.WorkDir, creating it
// first the one time it doesn't yet exist.
func openAreas(cfg *config.Config) (*areas, error) {
	fsaPath := filepath.Join(cfg.FifoDir, "fsa_status")
	fsa, err := attachOrCreateFSA(fsaPath, 64)
	if err != nil {
		return nil, err
	}

	qbPath := filepath.Join(cfg.FifoDir, "fd_msg_queue")
	qb, err := attachOrCreateQB(qbPath)
	if err != nil {
		return nil, err
	}

	mdbPath := filepath.Join(cfg.FifoDir, "fd_msg_cache")
	m, err := attachOrCreateMDB(mdbPath)
	if err != nil {
		return nil, err
	}

	jidPath := filepath.Join(cfg.FifoDir, "jid_number")
	jid, err := attachOrCreateJID(jidPath, 4096)
	if err != nil {
		return nil, err
	}

	dnbPath := filepath.Join(cfg.FifoDir, "dir_name_file")
	dnb, err := attachOrCreateDNB(dnbPath, 1024)
	if err != nil {
		return nil, err
	}

	return &areas{fsa: fsa, qb: qb, mdb: m, jid: jid, dnb: dnb}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func attachOrCreateFSA(path string, count int) (*shm.FSA, error) {
	if exists(path) {
		return shm.AttachFSA(path)
	}
	return shm.CreateFSA(path, count)
}

func attachOrCreateQB(path string) (*queue.QB, error) {
	if exists(path) {
		return queue.Attach(path)
	}
	return queue.Create(path)
}

func attachOrCreateMDB(path string) (*mdb.MDB, error) {
	if exists(path) {
		return mdb.Attach(path)
	}
	return mdb.Create(path)
}

func attachOrCreateJID(path string, count int) (*shm.JID, error) {
	if exists(path) {
		return shm.AttachJID(path)
	}
	return shm.CreateJID(path, count)
}

func attachOrCreateDNB(path string, count int) (*shm.DNB, error) {
	if exists(path) {
		return shm.AttachDNB(path)
	}
	return shm.CreateDNB(path, count)
}

type fifos struct {
	done  *fifo.Channel
	cmd   *fifo.Channel
	resp  *fifo.Channel
	msg   *fifo.Channel
	wake  *fifo.Channel
	retry *fifo.Channel
	del   *fifo.Channel
}

func (f *fifos) close() {
	for _, c := range []*fifo.Channel{f.done, f.cmd, f.resp, f.msg, f.wake, f.retry, f.del} {
		if c != nil {
			_ = c.Close()
		}
	}
}

// openFifos creates (if needed) and opens the FD control plane named
// pipes. The command fifo is the only blocking read; everything else
// drains nonblocking once per loop pass.
func openFifos(fifoDir string) (*fifos, error) {
	f := &fifos{}
	var err error

	if f.cmd, err = fifo.Open(filepath.Join(fifoDir, "fd_cmd_fifo")); err != nil {
		return nil, err
	}
	if f.resp, err = fifo.Open(filepath.Join(fifoDir, "fd_resp_fifo")); err != nil {
		return nil, err
	}

	nonblocking := []struct {
		name string
		dst  **fifo.Channel
	}{
		{"sf_fin_fifo", &f.done},
		{"msg_fifo", &f.msg},
		{"fd_wake_up_fifo", &f.wake},
		{"retry_fifo", &f.retry},
		{"delete_jobs_fifo", &f.del},
	}
	for _, nb := range nonblocking {
		ch, err := fifo.OpenNonblocking(filepath.Join(fifoDir, nb.name))
		if err != nil {
			f.close()
			return nil, err
		}
		*nb.dst = ch
	}
	return f, nil
}
