package monitor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/transferfleet/afd/internal/shm"
)

// Line is one parsed AFDD response line: a two-letter prefix plus
// whitespace-separated tokens, terminator `\r\n` already stripped.
type Line struct {
	Prefix string
	Tokens []string
}

// ParseLine splits a raw AFDD line into its prefix and tokens. A numeric
// reply of shape `DDD-` is reported via the special "NUM" prefix so callers
// can distinguish it from the two-letter status lines.
func ParseLine(raw string) (Line, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Line{}, fmt.Errorf("monitor: empty line")
	}
	if len(raw) >= 4 && raw[3] == '-' && isDigits(raw[:3]) {
		return Line{Prefix: "NUM", Tokens: []string{raw[:3], raw[4:]}}, nil
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Line{}, fmt.Errorf("monitor: blank line")
	}
	prefix := fields[0]
	if len(prefix) != 2 {
		return Line{}, fmt.Errorf("monitor: unknown prefix shape %q", prefix)
	}
	return Line{Prefix: prefix, Tokens: fields[1:]}, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IsShutdown reports whether raw is the literal AFDD shutdown
// announcement.
func IsShutdown(raw string) bool {
	return strings.TrimRight(raw, "\r\n") == "AFDD SHUTDOWN"
}

// Apply updates msa[pos] from one parsed line. For an unknown prefix Apply
// returns nil and changes nothing; Client.session does not log such lines
// either, so they are skipped without a log entry.
func Apply(m *shm.MSA, pos int, l Line, hourOfDay int) error {
	switch l.Prefix {
	case "IS":
		return applyIS(m, pos, l.Tokens)
	case "AM":
		return applyDaemonStatus(m, pos, 0, l.Tokens)
	case "FD":
		return applyDaemonStatus(m, pos, 1, l.Tokens)
	case "AW":
		return applyDaemonStatus(m, pos, 2, l.Tokens)
	case "NH", "ND", "NJ", "MC":
		return applyCounts(m, pos, l)
	case "HL":
		return applyHostList(m, pos, l.Tokens)
	case "DL":
		return applyDirList(m, pos, l.Tokens)
	case "EL":
		return applyErrorHistory(m, pos, l.Tokens)
	case "SR":
		return applySR(m, pos, l.Tokens)
	case "RH":
		return applyHistory(m, pos, shm.LogReceive, l.Tokens, hourOfDay)
	case "SH":
		return applyHistory(m, pos, shm.LogSystem, l.Tokens, hourOfDay)
	case "TH":
		return applyHistory(m, pos, shm.LogTransfer, l.Tokens, hourOfDay)
	case "AV":
		if len(l.Tokens) > 0 {
			m.SetRemoteVersion(pos, l.Tokens[0])
		}
		return nil
	case "WD":
		if len(l.Tokens) > 0 {
			m.SetRemoteWorkDir(pos, strings.Join(l.Tokens, " "))
		}
		return nil
	case "LC":
		// Log capabilities: advertised but not yet surfaced to MSA.
		return nil
	case "NUM":
		return nil
	default:
		return nil
	}
}

// applyIS parses an "interval summary" line: fc, fs, tr, fr, ec,
// host_error_counter, no_of_transfers, jobs_in_queue[, day sums...].
func applyIS(m *shm.MSA, pos int, tokens []string) error {
	if len(tokens) < 8 {
		return fmt.Errorf("monitor: IS: expected >=8 tokens, got %d", len(tokens))
	}
	fr, err := strconv.ParseFloat(tokens[3], 64)
	if err != nil {
		return fmt.Errorf("monitor: IS: bad file rate %q: %w", tokens[3], err)
	}
	tr, err := strconv.ParseFloat(tokens[2], 64)
	if err != nil {
		return fmt.Errorf("monitor: IS: bad transfer rate %q: %w", tokens[2], err)
	}
	hostErr, err := strconv.Atoi(tokens[5])
	if err != nil {
		return fmt.Errorf("monitor: IS: bad host_error_counter %q: %w", tokens[5], err)
	}
	jobsInQueue, err := strconv.Atoi(tokens[7])
	if err != nil {
		return fmt.Errorf("monitor: IS: bad jobs_in_queue %q: %w", tokens[7], err)
	}
	activeTransfers := 0
	if len(tokens) > 6 {
		activeTransfers, _ = strconv.Atoi(tokens[6])
	}
	m.SetHostErrorCounter(pos, int32(hostErr))
	m.SetDayCounters(pos, 0, tr, fr, int32(activeTransfers))
	m.SetCounts(pos, m.NoOfHosts(pos), m.NoOfDirs(pos), int32(jobsInQueue), int32(activeTransfers))
	return nil
}

func applyDaemonStatus(m *shm.MSA, pos int, which int, tokens []string) error {
	if len(tokens) < 1 {
		return fmt.Errorf("monitor: daemon status line missing value")
	}
	v, err := strconv.Atoi(tokens[0])
	if err != nil {
		return fmt.Errorf("monitor: bad daemon status %q: %w", tokens[0], err)
	}
	switch which {
	case 0:
		m.SetDaemonStatus(pos, byte(v), 0xFF, 0xFF)
	case 1:
		m.SetDaemonStatus(pos, 0xFF, byte(v), 0xFF)
	case 2:
		m.SetDaemonStatus(pos, 0xFF, 0xFF, byte(v))
	}
	return nil
}

func applyCounts(m *shm.MSA, pos int, l Line) error {
	if len(l.Tokens) < 1 {
		return fmt.Errorf("monitor: %s: missing count", l.Prefix)
	}
	n, err := strconv.Atoi(l.Tokens[0])
	if err != nil {
		return fmt.Errorf("monitor: %s: bad count %q: %w", l.Prefix, l.Tokens[0], err)
	}
	switch l.Prefix {
	case "NH":
		m.SetCounts(pos, int32(n), m.NoOfDirs(pos), m.JobsInQueue(pos), m.ActiveTransfers(pos))
		// A changed host count remaps the mirrored host list; stale tail
		// rows from the previous generation are dropped.
		m.TrimRemoteLists(pos, int32(n), m.NoOfDirs(pos))
	case "ND":
		m.SetCounts(pos, m.NoOfHosts(pos), int32(n), m.JobsInQueue(pos), m.ActiveTransfers(pos))
		m.TrimRemoteLists(pos, m.NoOfHosts(pos), int32(n))
	case "NJ", "MC":
		// jobs-in-queue / MSA count refresh trigger; IS carries the
		// authoritative jobs_in_queue value applied above.
	}
	return nil
}

// applyHostList parses an `HL` row: <index> <alias> <error_counter>
// [<status>], one entry of the remote's host list.
func applyHostList(m *shm.MSA, pos int, tokens []string) error {
	if len(tokens) < 3 {
		return fmt.Errorf("monitor: HL: expected >=3 tokens, got %d", len(tokens))
	}
	idx, err := strconv.Atoi(tokens[0])
	if err != nil {
		return fmt.Errorf("monitor: HL: bad index %q: %w", tokens[0], err)
	}
	if idx < 0 || idx >= shm.MaxRemoteHosts {
		return fmt.Errorf("monitor: HL: index %d out of range", idx)
	}
	errorCounter, err := strconv.Atoi(tokens[2])
	if err != nil {
		return fmt.Errorf("monitor: HL: bad error counter %q: %w", tokens[2], err)
	}
	status := 0
	if len(tokens) > 3 {
		status, _ = strconv.Atoi(tokens[3])
	}
	m.SetRemoteHost(pos, idx, tokens[1], int32(errorCounter), int32(status))
	return nil
}

// applyDirList parses a `DL` row: <index> <alias> [<status>], one entry of
// the remote's directory list.
func applyDirList(m *shm.MSA, pos int, tokens []string) error {
	if len(tokens) < 2 {
		return fmt.Errorf("monitor: DL: expected >=2 tokens, got %d", len(tokens))
	}
	idx, err := strconv.Atoi(tokens[0])
	if err != nil {
		return fmt.Errorf("monitor: DL: bad index %q: %w", tokens[0], err)
	}
	if idx < 0 || idx >= shm.MaxRemoteDirs {
		return fmt.Errorf("monitor: DL: index %d out of range", idx)
	}
	status := 0
	if len(tokens) > 2 {
		status, _ = strconv.Atoi(tokens[2])
	}
	m.SetRemoteDir(pos, idx, tokens[1], int32(status))
	return nil
}

// applyErrorHistory parses an `EL` row: <host_index> <n> <v1> ... <vn>,
// one remote host's recent error codes.
func applyErrorHistory(m *shm.MSA, pos int, tokens []string) error {
	if len(tokens) < 2 {
		return fmt.Errorf("monitor: EL: expected >=2 tokens, got %d", len(tokens))
	}
	idx, err := strconv.Atoi(tokens[0])
	if err != nil {
		return fmt.Errorf("monitor: EL: bad host index %q: %w", tokens[0], err)
	}
	if idx < 0 || idx >= shm.MaxRemoteHosts {
		return fmt.Errorf("monitor: EL: host index %d out of range", idx)
	}
	n, err := strconv.Atoi(tokens[1])
	if err != nil {
		return fmt.Errorf("monitor: EL: bad value count %q: %w", tokens[1], err)
	}
	if n > len(tokens)-2 {
		n = len(tokens) - 2
	}
	hist := make([]byte, 0, n)
	for _, tok := range tokens[2 : 2+n] {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return fmt.Errorf("monitor: EL: bad value %q: %w", tok, err)
		}
		hist = append(hist, byte(v))
	}
	m.SetErrorHistory(pos, idx, hist)
	return nil
}

func applySR(m *shm.MSA, pos int, tokens []string) error {
	if len(tokens) < 1 {
		return fmt.Errorf("monitor: SR: missing colour fifo path")
	}
	m.SetSysLogColourFifo(pos, tokens[0])
	return nil
}

// applyHistory applies one `RH`/`SH`/`TH` ring update. The payload is the
// remaining tokens joined back with no separator (the wire payload is a
// run of single-byte colour codes, one per hour slot); when its length is
// short of MaxLogHistory and the ring hasn't shifted yet this hour, shift
// first.
func applyHistory(m *shm.MSA, pos int, kind shm.LogHistoryKind, tokens []string, hourOfDay int) error {
	if len(tokens) < 1 {
		return fmt.Errorf("monitor: history line missing payload")
	}
	payload := []byte(strings.Join(tokens, ""))
	m.AppendLogHistory(pos, kind, payload, hourOfDay)
	return nil
}

