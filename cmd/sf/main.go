// Command sf is the short-lived worker process fd forks for one job: it
// resolves the job's message file and destination URL, sends the queued
// files over the protocol the recipient scheme selects, and exits with the
// code the scheduler classifies.
//
// A single sf binary dispatches to the right Transport by recipient
// scheme rather than shipping four separate sf_ftp/sf_smtp/sf_loc/sf_wmo
// executables; cfg.Workers.*Binary in the daemon config can still point
// every scheme's launcher entry at this same binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/archive"
	"github.com/transferfleet/afd/internal/fifo"
	"github.com/transferfleet/afd/internal/mdb"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/queue"
	"github.com/transferfleet/afd/internal/recipient"
	"github.com/transferfleet/afd/internal/shm"
	"github.com/transferfleet/afd/internal/worker"
)

// burstPollInterval/burstPollWindow bound how long a burst-capable worker
// waits, between jobs, for the FD to park a same-host job in its slot
// before giving up and exiting.
const (
	burstPollInterval = 100 * time.Millisecond
	burstPollWindow   = 2 * time.Second
)

func main() {
	os.Exit(run())
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func run() int {
	var (
		workDir     string
		msgNameArg  string
		hostAlias   string
		connectSlot int
		errorRetry  bool
		burst       bool
		maxBurst    int
		transDebug  bool
		archiveStep int
	)
	flag.StringVar(&workDir, "w", "", "AFD work directory")
	flag.StringVar(&msgNameArg, "m", "", "message name")
	flag.StringVar(&hostAlias, "a", "", "host alias (defaults to the recipient URL's host)")
	flag.IntVar(&connectSlot, "j", 0, "FSA connection slot")
	flag.BoolVar(&errorRetry, "f", false, "the job's files sit under files/error/<host>")
	flag.BoolVar(&burst, "b", false, "burst mode enabled: this worker may drain further same-host jobs handed to it without reconnecting")
	flag.IntVar(&maxBurst, "n", 1, "maximum jobs (including this one) to drain on one connection before exiting")
	flag.BoolVar(&transDebug, "t", false, "tee per-transfer debug records onto trans_debug_fifo")
	flag.IntVar(&archiveStep, "s", 0, "archive step time in seconds (0 uses the built-in default)")
	flag.Parse()

	if workDir == "" || msgNameArg == "" {
		fmt.Fprintln(os.Stderr, "sf: -w and -m are required")
		return worker.ExitSyntaxError
	}

	msgName, err := message.ParseName(msgNameArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return worker.ExitSyntaxError
	}

	fifoDir := filepath.Join(workDir, "fifodir")
	filesRoot := filepath.Join(workDir, "files")

	// Whatever happens from here on, the fd must learn this pid is done.
	defer func() {
		if ch, err := fifo.Open(filepath.Join(fifoDir, "sf_fin_fifo")); err == nil {
			_ = ch.WriteFrame(fifo.TypeSfFinRecord, fifo.EncodePid(int32(os.Getpid())))
			ch.Close()
		}
	}()

	logCfg := afdlog.Config{Level: afdlog.InfoLevel, JSONOutput: true}
	var debugCh *fifo.Channel
	if transDebug {
		if ch, err := fifo.Open(filepath.Join(fifoDir, "trans_debug_fifo")); err == nil {
			debugCh = ch
			logCfg.Level = afdlog.DebugLevel
			logCfg.Output = io.MultiWriter(os.Stdout, fifo.FrameWriter(ch, fifo.TypeTransDebug))
		}
	}
	afdlog.Init(logCfg)
	if debugCh != nil {
		defer debugCh.Close()
	}
	logger := afdlog.WithComponent("sf")

	msgPath := filepath.Join(fifoDir, "messages", fmt.Sprint(msgName.JobID))
	msg, err := message.Parse(msgPath)
	if err != nil {
		logger.Error().Err(err).Str("path", msgPath).Msg("reading message file")
		return worker.ExitOpenLocalError
	}

	dest, err := recipient.Parse(msg.Recipient)
	if err != nil {
		logger.Error().Err(err).Str("recipient", msg.Recipient).Msg("parsing recipient")
		return worker.ExitUserError
	}
	scheme := mdb.ParseScheme(dest.Scheme)
	if hostAlias == "" {
		hostAlias = dest.Host
	}

	fsa, err := shm.AttachFSA(filepath.Join(fifoDir, "fsa_status"))
	if err != nil {
		logger.Error().Err(err).Msg("attaching fsa")
		return worker.ExitOpenLocalError
	}
	defer fsa.Detach()
	fsaPos := fsa.Find(hostAlias)
	if fsaPos < 0 {
		logger.Error().Str("host_alias", hostAlias).Msg("host not found in fsa")
		return worker.ExitUserError
	}

	filesDir := resolveFilesDir(filesRoot, hostAlias, msgName)
	if errorRetry {
		filesDir = filepath.Join(filesRoot, "error", hostAlias, msgName.String())
	}

	transport, err := buildTransport(scheme, dest, msg.Options, msgName, fifoDir, hostAlias)
	if err != nil {
		logger.Error().Err(err).Msg("building transport")
		return worker.ExitUserError
	}

	arc := archive.NewEngine(filepath.Join(workDir, "archive"), time.Duration(archiveStep)*time.Second)
	rep := &fsaReporter{fsa: fsa, pos: fsaPos, slot: connectSlot}

	job := worker.Job{
		JobID:       msgName.JobID,
		HostAlias:   hostAlias,
		MsgName:     msgName,
		MsgPath:     msgPath,
		FilesDir:    filesDir,
		Recipient:   dest,
		Options:     msg.Options,
		Burst:       burst,
		ConnectSlot: connectSlot,
		PostExecCmd: msg.Options.PExec,
		Delete:      afdlog.NewDeleteLog(logger, nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		<-sig
		cancel()
	}()

	var next worker.BurstNext
	if maxBurst > 1 {
		qbPath := filepath.Join(fifoDir, "fd_msg_queue")
		if qb, err := queue.Attach(qbPath); err == nil {
			defer qb.Detach()
			next = makeBurstNext(fsa, qb, fifoDir, filesRoot, hostAlias, fsaPos, connectSlot, maxBurst)
		} else {
			logger.Warn().Err(err).Msg("attaching queue buffer for burst handoff")
		}
	}

	return worker.Run(ctx, job, transport, arc, rep, logger, next)
}

// resolveFilesDir locates the on-disk file set for a message name, falling
// back to the error-retry subtree when the normal directory is gone.
func resolveFilesDir(filesRoot, hostAlias string, name message.Name) string {
	filesDir := filepath.Join(filesRoot, name.String())
	if _, err := os.Stat(filesDir); err != nil {
		if errDir := filepath.Join(filesRoot, "error", hostAlias, name.String()); dirExists(errDir) {
			return errDir
		}
	}
	return filesDir
}

// makeBurstNext builds the worker.BurstNext a burst-capable transport
// polls once it drains a job's file set: it flags the slot ready, waits up
// to burstPollWindow for the FD's scheduler to park a same-host job there
// (FSA.TryParkBurstJob), and resolves it into a worker.Job from the queue
// buffer. maxBurst bounds the total number of jobs (including the first)
// one connection may drain.
func makeBurstNext(fsa *shm.FSA, qb *queue.QB, fifoDir, filesRoot, hostAlias string, fsaPos, slot, maxBurst int) worker.BurstNext {
	used := 1 // the job this process was launched for already counts
	return func(ctx context.Context) (worker.Job, bool) {
		if used >= maxBurst {
			return worker.Job{}, false
		}
		current := fsa.BurstJobID(fsaPos, slot)
		if err := fsa.MarkBurstReady(fsaPos, slot); err != nil {
			return worker.Job{}, false
		}

		deadline := time.Now().Add(burstPollWindow)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return worker.Job{}, false
			case <-time.After(burstPollInterval):
			}
			if fsa.IsBurstReady(fsaPos, slot) {
				continue // still offered; nobody has claimed it yet
			}
			newID := fsa.BurstJobID(fsaPos, slot)
			if newID == current {
				continue // cleared without a park landing; poll again
			}
			job, err := resolveBurstJob(qb, fifoDir, filesRoot, hostAlias, newID, slot)
			if err != nil {
				return worker.Job{}, false
			}
			used++
			return job, true
		}
		return worker.Job{}, false
	}
}

// resolveBurstJob turns a job-id the scheduler just parked in this slot
// into a worker.Job, the same way the initial dispatch does but reading
// the message name back out of the queue buffer instead of argv (a burst
// continuation never gets its own `-m` argument).
func resolveBurstJob(qb *queue.QB, fifoDir, filesRoot, hostAlias string, jobID uint32, slot int) (worker.Job, error) {
	pos := qb.FindByJobID(jobID)
	if pos < 0 {
		return worker.Job{}, fmt.Errorf("sf: burst job %d not found in queue buffer", jobID)
	}
	name := qb.Name(pos)
	msgPath := filepath.Join(fifoDir, "messages", fmt.Sprint(jobID))
	msg, err := message.Parse(msgPath)
	if err != nil {
		return worker.Job{}, fmt.Errorf("sf: parsing burst message %d: %w", jobID, err)
	}
	dest, err := recipient.Parse(msg.Recipient)
	if err != nil {
		return worker.Job{}, fmt.Errorf("sf: parsing burst recipient %d: %w", jobID, err)
	}
	return worker.Job{
		JobID:       jobID,
		HostAlias:   hostAlias,
		MsgName:     name,
		MsgPath:     msgPath,
		FilesDir:    resolveFilesDir(filesRoot, hostAlias, name),
		Recipient:   dest,
		Options:     msg.Options,
		Burst:       true,
		ConnectSlot: slot,
		PostExecCmd: msg.Options.PExec,
	}, nil
}

// buildTransport selects and configures the Transport matching the
// recipient's scheme, filling in the fields each driver needs from the
// recipient URL and the message's options section.
func buildTransport(scheme mdb.Scheme, dest recipient.URL, opts message.Options, name message.Name, fifoDir, hostAlias string) (worker.Transport, error) {
	switch scheme {
	case mdb.SchemeFTP:
		typ := dest.TransferMode
		if typ == 0 {
			typ = 'I'
		}
		return &worker.FTPTransport{
			Host:     dest.Host,
			Port:     dest.Port,
			User:     dest.User,
			Password: dest.Password,
			Path:     dest.Path,
			Mode:     opts.Mode,
			Type:     typ,
			Timeout:  30 * time.Second,
		}, nil

	case mdb.SchemeSMTP:
		to := []string{dest.User}
		return &worker.SMTPTransport{
			Host:       dest.Host,
			Port:       dest.Port,
			From:       "afd@" + dest.Host,
			To:         to,
			Subject:    opts.Subject,
			AttachFile: opts.AttachFile,
			MsgName:    name.String(),
		}, nil

	case mdb.SchemeLOC:
		return &worker.LocTransport{
			DestDir: dest.Path,
			Lock:    opts.Lock,
		}, nil

	case mdb.SchemeWMO:
		// dest.Path carries the bulletin type as a recipient path
		// component (e.g. `wmo://host/BI`); header framing turns on
		// whenever one was given.
		bulletinType := strings.Trim(dest.Path, "/")
		return &worker.WMOTransport{
			Host:         dest.Host,
			Port:         dest.Port,
			BulletinType: bulletinType,
			WithHeader:   bulletinType != "",
			CounterPath:  filepath.Join(fifoDir, "wmo_sequence", hostAlias),
			Timeout:      30 * time.Second,
		}, nil

	default:
		return nil, fmt.Errorf("sf: unsupported scheme %s", scheme)
	}
}

// fsaReporter is the production worker.Reporter, applying every progress
// event to the FD's shared FSA under its own region locks.
type fsaReporter struct {
	fsa  *shm.FSA
	pos  int
	slot int
}

func (r *fsaReporter) FileStarted(fileName string, size int64) {
	_ = r.fsa.UpdateProgress(r.pos, r.slot, fileName, size, 0)
}

func (r *fsaReporter) FileProgress(sizeDone int64) {
	_ = r.fsa.UpdateProgress(r.pos, r.slot, "", 0, sizeDone)
}

func (r *fsaReporter) FileDone(size int64) {
	_ = r.fsa.FinishFile(r.pos, r.slot, size)
}

func (r *fsaReporter) QueuedAdjust(files int32, bytes int64) {
	_ = r.fsa.AddQueued(r.pos, files, bytes)
}
