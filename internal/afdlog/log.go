// Package afdlog is the structured logging facade every AFD component
// logs through: one zerolog logger per component, with job_id/qb_pos/
// host_alias carried as fields instead of interpolated into the message.
package afdlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity level, settable from the daemon config file.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the root logger created by Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the root logger every component derives its own sub-logger
// from via With*.
var Logger zerolog.Logger

// Init builds the root logger from cfg. Call once at process startup,
// before any component logger is derived.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the emitting
// component's name (e.g. "scheduler", "sf_ftp", "reconciler").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJob returns a child logger carrying the job's correlation fields.
func WithJob(base zerolog.Logger, jobID uint32, hostAlias string) zerolog.Logger {
	return base.With().Uint32("job_id", jobID).Str("host_alias", hostAlias).Logger()
}

// WithQBPos attaches the dispatching QB slot a log line concerns.
func WithQBPos(base zerolog.Logger, pos int) zerolog.Logger {
	return base.With().Int("qb_pos", pos).Logger()
}
