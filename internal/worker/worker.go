// Package worker implements the sf_* transfer workers: short-lived
// processes that drain one job's file set to a single destination over a
// specific wire protocol, then exit with a code the scheduler classifies.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferfleet/afd/internal/afdlog"
	"github.com/transferfleet/afd/internal/archive"
	"github.com/transferfleet/afd/internal/fserrors"
	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/recipient"
	"github.com/transferfleet/afd/internal/restart"
)

// Exit codes. Values are stable across processes since the scheduler
// matches on them.
const (
	ExitTransferSuccess    = 0
	ExitConnectError       = 1
	ExitUserError          = 2
	ExitPasswordError      = 3
	ExitTypeError          = 4
	ExitListError          = 5
	ExitOpenRemoteError    = 6
	ExitWriteRemoteError   = 7
	ExitMoveRemoteError    = 8
	ExitReadLocalError     = 9
	ExitOpenLocalError     = 10
	ExitTimeoutError       = 11
	ExitStatError          = 12
	ExitMoveError          = 13
	ExitRenameError        = 14
	ExitWriteLockError     = 15
	ExitRemoveLockfileErr  = 16
	ExitSyntaxError        = 60
	ExitNoFilesToSend      = 61
	ExitStillFilesToSend   = 62
	ExitGotKilled          = 63
)

// Job is everything a worker needs to drain one job's file set to one
// destination, resolved by the caller (the message parser, recipient
// parser, and FSA/MDB lookups already done — workers don't attach shared
// memory directly in this port; the supervisor passes the slice of
// mutations they need to apply back through Reporter instead of raw mmap
// pointers, keeping worker logic unit-testable without FSA scaffolding).
type Job struct {
	JobID       uint32
	HostAlias   string
	MsgName     message.Name
	MsgPath     string
	FilesDir    string // <work>/files[/error/<host>]/<msg>
	Recipient   recipient.URL
	Options     message.Options
	Burst       bool
	ConnectSlot int
	PostExecCmd string

	// Delete receives one record per permanently dropped file (age-limit
	// expiry); nil disables delete-log emission.
	Delete *afdlog.DeleteLog
}

// Reporter receives the per-file and per-job progress events a worker
// produces, the way the FD supervisor applies them to FSA under region
// locks. Implementations: a real one backed by
// shm.FSA in cmd/sf, a recording fake in tests.
type Reporter interface {
	FileStarted(fileName string, size int64)
	FileProgress(sizeDone int64)
	FileDone(size int64)
	QueuedAdjust(files int32, bytes int64)
}

// Transport is the protocol-specific half of a transfer: send one file and
// report done/failure. Each driver (ftp.go, smtp.go, loc.go, wmo.go)
// implements this against its own wire protocol.
type Transport interface {
	// Connect establishes the session. Burst-mode reuse skips this on
	// subsequent jobs for the same host; the caller is responsible for
	// deciding whether to call it.
	Connect(ctx context.Context) error
	// SendFile transfers srcPath, naming it destName on the remote/local
	// side, reporting progress via report.
	SendFile(ctx context.Context, srcPath, destName string, size int64, report func(done int64)) error
	Close() error
	// SupportsBurst reports whether this protocol may keep its connection
	// open across jobs and pick up a new same-host job rather than exit.
	SupportsBurst() bool
	// SupportsAppend reports whether SendFile can resume a partially-sent
	// file from a non-zero offset.
	SupportsAppend() bool
}

// ResumeTransport is the optional capability a Transport whose
// SupportsAppend() is true implements: query how much of destName the
// far side already holds, and continue sending from that offset instead
// of restarting at 0.
type ResumeTransport interface {
	ResumeOffset(ctx context.Context, destName string) (int64, error)
	SendFileFrom(ctx context.Context, srcPath, destName string, size, offset int64, report func(done int64)) error
}

// BurstNext is polled once a job's file set drains on a burst-capable
// transport: it blocks (up to its own bounded wait) for a same-host job
// parked in the worker's FSA slot and returns it, or returns ok==false once
// no handoff arrived within that wait. cmd/sf supplies the real implementation, which
// polls shm.FSA.BurstJobID; tests pass nil or a canned sequence.
type BurstNext func(ctx context.Context) (Job, bool)

// Run drains job's file set over transport, archiving or deleting each
// file as it completes, and returns the exit code the scheduler should
// see. When transport.SupportsBurst() and next is non-nil, it keeps the
// session open after a successful pass and asks next for another same-host
// job instead of returning immediately, skipping Connect for every job
// after the first. It never calls os.Exit itself
// so it stays testable; cmd/sf is the thin layer that does that
// translation.
func Run(ctx context.Context, job Job, transport Transport, arc *archive.Engine, rep Reporter, logger zerolog.Logger, next BurstNext) int {
	connected := false
	defer func() {
		if connected {
			transport.Close()
		}
	}()

	for {
		jobLogger := afdlog.WithJob(logger, job.JobID, job.HostAlias)

		files, err := listFilesByMTime(job.FilesDir)
		if err != nil {
			jobLogger.Error().Err(err).Msg("listing files")
			return ExitReadLocalError
		}
		files = applyAgeLimit(files, job, rep, jobLogger)
		if len(files) == 0 {
			return ExitNoFilesToSend
		}

		if !connected {
			if err := transport.Connect(ctx); err != nil {
				retriable, _ := fserrors.Cause(err)
				jobLogger.Error().Err(err).Bool("retriable", retriable).Msg("connect failed")
				return ExitConnectError
			}
			connected = true
		}

		for _, f := range files {
			select {
			case <-ctx.Done():
				return ExitTimeoutError
			default:
			}

			destName := f.name
			if job.Options.TransRename != "" {
				destName = applyTransRename(f.name, job.Options.TransRename)
			}

			rep.FileStarted(f.name, f.size)
			srcPath := filepath.Join(job.FilesDir, f.name)
			err := sendMaybeResumed(ctx, transport, job, f, srcPath, destName, rep)
			if err != nil {
				code := classifySendError(err)
				jobLogger.Error().Err(err).Str("file", f.name).Msg("send failed")
				// Record the interrupted file so the next attempt resumes it
				// instead of restarting at offset 0.
				if transport.SupportsAppend() {
					if aerr := restart.LogAppend(job.MsgPath, f.name); aerr != nil {
						jobLogger.Warn().Err(aerr).Msg("append log update failed")
					}
				}
				return code
			}
			rep.FileDone(f.size)
			rep.QueuedAdjust(-1, -f.size)

			if err := restart.RemoveAppend(job.MsgPath, f.name); err != nil {
				jobLogger.Warn().Err(err).Msg("append log update failed")
			}
			if err := RunPostExec(ctx, job.PostExecCmd, srcPath, job.HostAlias, 0); err != nil {
				jobLogger.Warn().Err(err).Str("file", f.name).Msg("post-exec failed")
			}
			if err := finishFile(arc, job, f, jobLogger); err != nil {
				jobLogger.Warn().Err(err).Str("file", f.name).Msg("archive/delete failed")
			}
		}

		if next == nil || !transport.SupportsBurst() {
			return ExitTransferSuccess
		}
		nextJob, ok := next(ctx)
		if !ok {
			return ExitTransferSuccess
		}
		job = nextJob
	}
}

// sendMaybeResumed sends one file, continuing from the far side's current
// offset when a prior attempt of this job left f in the message's restart
// list and the transport can append.
func sendMaybeResumed(ctx context.Context, transport Transport, job Job, f fileEntry, srcPath, destName string, rep Reporter) error {
	if transport.SupportsAppend() && containsName(job.Options.Restart, f.name) {
		if rt, ok := transport.(ResumeTransport); ok {
			offset, err := rt.ResumeOffset(ctx, destName)
			if err == nil && offset > 0 && offset < f.size {
				return rt.SendFileFrom(ctx, srcPath, destName, f.size, offset, rep.FileProgress)
			}
		}
	}
	return transport.SendFile(ctx, srcPath, destName, f.size, rep.FileProgress)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func finishFile(arc *archive.Engine, job Job, f fileEntry, logger zerolog.Logger) error {
	srcPath := filepath.Join(job.FilesDir, f.name)
	if job.Options.HasArchive {
		aj := archive.Job{
			HostAlias:   job.HostAlias,
			User:        job.Recipient.User,
			Priority:    job.MsgName.Priority,
			JobID:       job.JobID,
			ArchiveTime: job.Options.ArchiveSeconds,
		}
		_, err := arc.ArchiveFile(srcPath, f.name, aj)
		return err
	}
	return os.Remove(srcPath)
}

// classifySendError maps a transport-level error to the closed exit-code
// set, defaulting to WRITE_REMOTE_ERROR for anything it doesn't recognise
// more specifically — transports tag the errors they can distinguish by
// wrapping them in the *SendError types declared alongside each driver.
func classifySendError(err error) int {
	if se, ok := err.(*SendError); ok {
		return se.Code
	}
	if retriable, _ := fserrors.Cause(err); retriable {
		return ExitTimeoutError
	}
	return ExitWriteRemoteError
}

// SendError carries a specific closed-set exit code out of a Transport.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("worker: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

type fileEntry struct {
	name  string
	size  int64
	mtime time.Time
}

func listFilesByMTime(dir string) ([]fileEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("worker: readdir %s: %w", dir, err)
	}
	var out []fileEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{name: e.Name(), size: info.Size(), mtime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mtime.Before(out[j].mtime) })
	return out, nil
}

// applyAgeLimit deletes-and-logs files older than the job's age-limit
// option, removing any matching append/restart entry, and returns the survivors. Every drop is a permanent per-file error
// and emits a delete-log record.
func applyAgeLimit(files []fileEntry, job Job, rep Reporter, logger zerolog.Logger) []fileEntry {
	opts := job.Options
	if !opts.HasAgeLimit || opts.AgeLimit <= 0 {
		return files
	}
	limit := time.Duration(opts.AgeLimit) * time.Second
	cutoff := time.Now().Add(-limit)

	out := files[:0]
	for _, f := range files {
		if f.mtime.Before(cutoff) {
			path := filepath.Join(job.FilesDir, f.name)
			if err := os.Remove(path); err != nil {
				logger.Warn().Err(err).Str("file", f.name).Msg("age-limit unlink failed")
			}
			_ = restart.RemoveAppend(job.MsgPath, f.name)
			rep.QueuedAdjust(-1, -f.size)
			if job.Delete != nil {
				job.Delete.Record(job.JobID, job.HostAlias, f.name, f.size, afdlog.ReasonAgeLimitExceeded)
			}
			age := time.Since(f.mtime).Round(time.Second)
			logger.Info().Str("file", f.name).Dur("age", age).Int("age_limit", opts.AgeLimit).
				Msg("file exceeded age limit, deleted")
			continue
		}
		out = append(out, f)
	}
	return out
}

// applyTransRename renames a file according to a `s/pattern/replacement/`
// sed-style trans_rename rule. A rule that doesn't parse is left as a
// no-op rather than failing the transfer outright.
func applyTransRename(name, rule string) string {
	parts := strings.Split(rule, "/")
	if len(parts) != 4 || parts[0] != "s" {
		return name
	}
	re, err := regexp.Compile(parts[1])
	if err != nil {
		return name
	}
	return re.ReplaceAllString(name, parts[2])
}
