package afdlog

import (
	"io"

	"github.com/rs/zerolog"
)

// DeleteReason classifies why a file was permanently dropped instead of
// delivered.
type DeleteReason string

const (
	ReasonAgeLimitExceeded DeleteReason = "age_limit_exceeded"
	ReasonRejectedByAgent  DeleteReason = "rejected_by_agent"
	ReasonFaultyMessage    DeleteReason = "faulty_message"
	ReasonUserDeleted      DeleteReason = "user_deleted"
)

// DeleteLog is a dedicated sink for permanent per-file drop records,
// consumed by the out-of-scope GUI/monitoring front end. It is a thin
// zerolog sub-logger rather than its own file format: every record is one
// structured log line tagged delete_log=true so a consumer can filter the
// combined log stream for it.
type DeleteLog struct {
	logger zerolog.Logger
}

// NewDeleteLog wraps out as a delete-log sink, or reuses base's writer if
// out is nil.
func NewDeleteLog(base zerolog.Logger, out io.Writer) *DeleteLog {
	l := base
	if out != nil {
		l = zerolog.New(out).With().Timestamp().Logger()
	}
	return &DeleteLog{logger: l.With().Bool("delete_log", true).Logger()}
}

// Record emits one delete-log entry for a single file belonging to jobID.
func (d *DeleteLog) Record(jobID uint32, hostAlias, fileName string, size int64, reason DeleteReason) {
	d.logger.Info().
		Uint32("job_id", jobID).
		Str("host_alias", hostAlias).
		Str("file_name", fileName).
		Int64("size", size).
		Str("reason", string(reason)).
		Msg("file deleted")
}
