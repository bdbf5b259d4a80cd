package message

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Options holds the parsed `[options]` section of a job message file.
// Unrecognised option lines are preserved verbatim so
// round-tripping (parse, mutate one option, re-serialise) never loses
// data the FD doesn't itself interpret.
type Options struct {
	ArchiveSeconds int
	HasArchive     bool
	AgeLimit       int
	HasAgeLimit    bool
	Lock           string // DOT | DOT_VMS | LOCKFILE
	Restart        []string
	TransRename    string
	PExec          string // post-transfer command, %s substituted per file
	Subject        string
	AttachFile     bool
	Mode           string // active | passive
	Chmod          string
	Chown          string
	Site           []string
	Extra          []string // any other option lines, preserved verbatim
}

// Message is a parsed job message file: a `[destination]` recipient URL
// followed by a `[options]` section. Options are
// order-insensitive.
type Message struct {
	Recipient string
	Options   Options
}

// Parse reads and parses a job message file from `path`.
func Parse(path string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("message: open %s: %w", path, err)
	}
	defer f.Close()
	return parseReader(f)
}

// ParseString parses message-file content already in memory (used by
// tests and by recreate_msg's round-trip verification).
func ParseString(s string) (*Message, error) {
	return parseReader(strings.NewReader(s))
}

func parseReader(r io.Reader) (*Message, error) {
	sc := bufio.NewScanner(r)
	msg := &Message{}
	section := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}
		switch section {
		case "destination":
			if msg.Recipient == "" {
				msg.Recipient = line
			}
		case "options":
			parseOptionLine(&msg.Options, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("message: scan: %w", err)
	}
	return msg, nil
}

func parseOptionLine(o *Options, line string) {
	fields := strings.SplitN(line, " ", 2)
	key := fields[0]
	val := ""
	if len(fields) == 2 {
		val = strings.TrimSpace(fields[1])
	}
	switch key {
	case "archive":
		if n, err := strconv.Atoi(val); err == nil {
			o.ArchiveSeconds = n
			o.HasArchive = true
			return
		}
	case "age-limit":
		if n, err := strconv.Atoi(val); err == nil {
			o.AgeLimit = n
			o.HasAgeLimit = true
			return
		}
	case "lock":
		o.Lock = val
		return
	case "restart":
		o.Restart = strings.Fields(val)
		return
	case "trans_rename":
		o.TransRename = val
		return
	case "pexec":
		o.PExec = val
		return
	case "subject":
		o.Subject = val
		return
	case "attach":
		if val == "file" {
			o.AttachFile = true
			return
		}
	case "mode":
		o.Mode = val
		return
	case "chmod":
		o.Chmod = val
		return
	case "chown":
		o.Chown = val
		return
	case "site":
		o.Site = append(o.Site, val)
		return
	}
	o.Extra = append(o.Extra, line)
}

// Render serialises the message back to the on-disk text format. Options
// are emitted in a fixed, stable order (options are order-insensitive,
// so any deterministic order is a valid round trip).
func (m *Message) Render() string {
	var sb strings.Builder
	sb.WriteString("[destination]\n")
	sb.WriteString(m.Recipient)
	sb.WriteString("\n")

	var opts []string
	o := m.Options
	if o.HasArchive {
		opts = append(opts, fmt.Sprintf("archive %d", o.ArchiveSeconds))
	}
	if o.HasAgeLimit {
		opts = append(opts, fmt.Sprintf("age-limit %d", o.AgeLimit))
	}
	if o.Lock != "" {
		opts = append(opts, "lock "+o.Lock)
	}
	if len(o.Restart) > 0 {
		opts = append(opts, "restart "+strings.Join(o.Restart, " "))
	}
	if o.TransRename != "" {
		opts = append(opts, "trans_rename "+o.TransRename)
	}
	if o.PExec != "" {
		opts = append(opts, "pexec "+o.PExec)
	}
	if o.Subject != "" {
		opts = append(opts, "subject "+o.Subject)
	}
	if o.AttachFile {
		opts = append(opts, "attach file")
	}
	if o.Mode != "" {
		opts = append(opts, "mode "+o.Mode)
	}
	if o.Chmod != "" {
		opts = append(opts, "chmod "+o.Chmod)
	}
	if o.Chown != "" {
		opts = append(opts, "chown "+o.Chown)
	}
	for _, s := range o.Site {
		opts = append(opts, "site "+s)
	}
	opts = append(opts, o.Extra...)

	if len(opts) > 0 {
		sb.WriteString("[options]\n")
		for _, line := range opts {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// WriteFile atomically replaces the message file at `path` with the
// current parsed content, truncated to its new length.
func (m *Message) WriteFile(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(m.Render()), 0640); err != nil {
		return fmt.Errorf("message: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("message: rename %s->%s: %w", tmp, path, err)
	}
	return nil
}
