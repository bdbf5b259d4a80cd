// Package message parses AFD job message files and the message-name
// grammar used to name both the on-disk file directories and QB entries.
package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Name is a parsed `<priority>_<creation_time>_<unique>_<job_id>` message
// name. Priority is a single printable char; fields never
// contain `_`.
type Name struct {
	Priority     byte
	CreationTime int64
	Unique       uint32
	JobID        uint32
}

// String reconstructs the canonical on-disk name.
func (n Name) String() string {
	return fmt.Sprintf("%c_%d_%d_%d", n.Priority, n.CreationTime, n.Unique, n.JobID)
}

// ParseName parses a message-name string, rejecting anything that doesn't
// match exactly four `_`-separated fields.
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 {
		return Name{}, fmt.Errorf("message: invalid name shape %q", s)
	}
	if len(parts[0]) != 1 {
		return Name{}, fmt.Errorf("message: priority must be one char in %q", s)
	}
	ct, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Name{}, fmt.Errorf("message: bad creation_time in %q: %w", s, err)
	}
	uniq, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Name{}, fmt.Errorf("message: bad unique number in %q: %w", s, err)
	}
	jobID, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return Name{}, fmt.Errorf("message: bad job_id in %q: %w", s, err)
	}
	return Name{
		Priority:     parts[0][0],
		CreationTime: ct,
		Unique:       uint32(uniq),
		JobID:        uint32(jobID),
	}, nil
}

// MsgNumber computes the QB ordering key:
// `(priority - '/') * (creation_time * 10000 + unique)`.
// A smaller priority character (e.g. '0') yields a smaller multiplier and
// therefore a smaller product, so lower ASCII priority characters sort
// first — "higher priority ⇒ smaller value".
func MsgNumber(n Name) int64 {
	prio := int64(n.Priority) - int64('/')
	return prio * (n.CreationTime*10000 + int64(n.Unique))
}
