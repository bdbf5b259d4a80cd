package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// WMOTransport implements the WMO bulletin protocol over a raw TCP socket:
// an 8-byte decimal length + 2-byte type prefix, an optional SOH/CR/CR/LF
// header carrying a persistent sequence number, and an optional 10-byte
// acknowledgement.
type WMOTransport struct {
	Host string
	Port int

	// BulletinType is the 2-character type code ("BI", "AN", "FX").
	BulletinType string
	// WithHeader enables the SOH/CR/CR/LF + sequence-number framing.
	WithHeader bool
	// CounterPath is the persistent sequence-number counter file used
	// when WithHeader is set.
	CounterPath string
	// WaitAck enables blocking for the 10-byte ACK/NAK trailer.
	WaitAck bool

	Timeout time.Duration

	conn net.Conn
}

func (t *WMOTransport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.Host, t.port())
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &SendError{Code: ExitConnectError, Err: err}
	}
	t.conn = conn
	return nil
}

func (t *WMOTransport) port() int {
	if t.Port != 0 {
		return t.Port
	}
	return 7074
}

func (t *WMOTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// SupportsBurst reports that a WMO socket may be kept open across
// bulletins for the same host.
func (t *WMOTransport) SupportsBurst() bool { return true }

// SupportsAppend is false: each bulletin is framed and sent whole.
func (t *WMOTransport) SupportsAppend() bool { return false }

func (t *WMOTransport) SendFile(ctx context.Context, srcPath, destName string, size int64, report func(done int64)) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return &SendError{Code: ExitOpenLocalError, Err: err}
	}

	var frame []byte
	if t.WithHeader {
		seq, err := t.nextSequence()
		if err != nil {
			return &SendError{Code: ExitOpenLocalError, Err: err}
		}
		frame = append(frame, 0x01, '\r', '\r', '\n')
		frame = append(frame, []byte(fmt.Sprintf("%03d", seq))...)
		frame = append(frame, '\r', '\r', '\n')
	}
	frame = append(frame, data...)
	if t.WithHeader {
		frame = append(frame, 0x03) // ETX closes the SOH-opened bulletin
	}

	btype := t.BulletinType
	if len(btype) != 2 {
		btype = "BI"
	}
	header := fmt.Sprintf("%08d%s", len(frame), btype)
	payload := append([]byte(header), frame...)

	if err := t.setDeadline(ctx); err != nil {
		return &SendError{Code: ExitWriteRemoteError, Err: err}
	}
	n, err := t.conn.Write(payload)
	if err != nil {
		return &SendError{Code: ExitWriteRemoteError, Err: err}
	}
	report(int64(n))

	if t.WaitAck {
		ack := make([]byte, 10)
		if _, err := io.ReadFull(t.conn, ack); err != nil {
			return &SendError{Code: ExitTimeoutError, Err: err}
		}
		switch string(ack) {
		case "00000000AK":
			return nil
		case "00000000NA":
			return &SendError{Code: ExitWriteRemoteError, Err: fmt.Errorf("wmo: remote NAK")}
		default:
			return &SendError{Code: ExitWriteRemoteError, Err: fmt.Errorf("wmo: unrecognised ack %q", ack)}
		}
	}
	return nil
}

// setDeadline bounds the next write-plus-ack round trip by the earlier
// of ctx's deadline and the configured per-command timeout.
func (t *WMOTransport) setDeadline(ctx context.Context) error {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return t.conn.SetDeadline(deadline)
}

// nextSequence reads, increments (wrapping at 1000), and rewrites the
// persistent 3-digit counter file used for the optional header's sequence
// number.
func (t *WMOTransport) nextSequence() (int, error) {
	if t.CounterPath == "" {
		return 0, nil
	}
	cur := 0
	if data, err := os.ReadFile(t.CounterPath); err == nil {
		fmt.Sscanf(string(data), "%d", &cur)
	}
	next := (cur + 1) % 1000
	if err := os.WriteFile(t.CounterPath, []byte(fmt.Sprintf("%03d", next)), 0640); err != nil {
		return 0, err
	}
	return next, nil
}
