package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPTransport drives an RFC-959 session via jlaffaye/ftp, configured
// for sf_ftp's single-connection, single-host sessions rather than a
// pooled multi-remote client.
type FTPTransport struct {
	Host     string
	Port     int
	User     string
	Password string
	Path     string
	Mode     string // "active" | "passive" ("" == passive)
	Type     byte   // 'A' (ASCII) or 'I' (binary); zero defaults to binary

	Timeout time.Duration

	conn *ftp.ServerConn
}

func (t *FTPTransport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.Host, t.portOrDefault())
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
	}
	if t.Mode != "active" {
		// jlaffaye/ftp defaults to passive data connections; nothing
		// extra to set for the common case.
	} else {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return &SendError{Code: ExitConnectError, Err: err}
	}

	user := t.User
	if user == "" {
		user = "anonymous"
	}
	if err := conn.Login(user, t.Password); err != nil {
		_ = conn.Quit()
		if isAuthError(err) {
			return &SendError{Code: ExitUserError, Err: err}
		}
		return &SendError{Code: ExitPasswordError, Err: err}
	}

	if t.Path != "" {
		if err := conn.ChangeDir(t.Path); err != nil {
			_ = conn.Quit()
			return &SendError{Code: ExitOpenRemoteError, Err: err}
		}
	}

	t.conn = conn
	return nil
}

func (t *FTPTransport) portOrDefault() int {
	if t.Port != 0 {
		return t.Port
	}
	return 21
}

// progressReader reports bytes sent as they pass through, so the per-slot
// progress counters can update without the transport knowing about FSA
// at all.
type progressReader struct {
	io.Reader
	done   int64
	report func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.Reader.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.report != nil {
			p.report(p.done)
		}
	}
	return n, err
}

func (t *FTPTransport) SendFile(ctx context.Context, srcPath, destName string, size int64, report func(done int64)) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return &SendError{Code: ExitOpenLocalError, Err: err}
	}
	defer f.Close()

	var r io.Reader = &progressReader{Reader: f, report: report}
	if t.Type == 'A' {
		r = newCRLFReader(r)
	}

	if err := t.conn.Stor(destName, r); err != nil {
		if err == context.DeadlineExceeded || err == context.Canceled {
			return &SendError{Code: ExitTimeoutError, Err: err}
		}
		return &SendError{Code: ExitWriteRemoteError, Err: err}
	}
	return nil
}

// ResumeOffset asks the server how much of destName it already holds via
// SIZE; a missing remote file resumes from 0.
func (t *FTPTransport) ResumeOffset(ctx context.Context, destName string) (int64, error) {
	size, err := t.conn.FileSize(destName)
	if err != nil {
		return 0, nil
	}
	return size, nil
}

// SendFileFrom continues a partial upload: seek the local file to offset
// and STOR with a REST restart marker. Resume is only ever
// attempted in binary mode; an ASCII transfer's CRLF rewrite shifts
// offsets, so those always restart from 0 via SendFile.
func (t *FTPTransport) SendFileFrom(ctx context.Context, srcPath, destName string, size, offset int64, report func(done int64)) error {
	if t.Type == 'A' {
		return t.SendFile(ctx, srcPath, destName, size, report)
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return &SendError{Code: ExitOpenLocalError, Err: err}
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return &SendError{Code: ExitReadLocalError, Err: err}
	}

	r := &progressReader{Reader: f, done: offset, report: report}
	if err := t.conn.StorFrom(destName, r, uint64(offset)); err != nil {
		if err == context.DeadlineExceeded || err == context.Canceled {
			return &SendError{Code: ExitTimeoutError, Err: err}
		}
		return &SendError{Code: ExitWriteRemoteError, Err: err}
	}
	return nil
}

func (t *FTPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Quit()
}

// SupportsBurst reports that an FTP session may be kept open across jobs
// for the same host.
func (t *FTPTransport) SupportsBurst() bool { return true }

// SupportsAppend reports that FTP can resume a partial upload via REST.
func (t *FTPTransport) SupportsAppend() bool { return true }

func isAuthError(err error) bool {
	// jlaffaye/ftp surfaces login failures as *textproto.Error with a
	// 530-range code; the code is embedded in Error() since the library
	// doesn't export a typed accessor worth depending on here.
	s := err.Error()
	return len(s) >= 3 && s[:3] == "530"
}

// crlfReader rewrites bare "\n" to "\r\n" for ASCII-mode transfers.
type crlfReader struct {
	src    io.Reader
	buf    []byte
	pos    int
	pendCR bool
}

func newCRLFReader(r io.Reader) *crlfReader { return &crlfReader{src: r} }

func (c *crlfReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if c.pendCR {
			p[n] = '\n'
			n++
			c.pendCR = false
			continue
		}
		if c.pos >= len(c.buf) {
			buf := make([]byte, 4096)
			rn, err := c.src.Read(buf)
			if rn == 0 {
				if err != nil {
					if n > 0 {
						return n, nil
					}
					return 0, err
				}
				continue
			}
			c.buf = buf[:rn]
			c.pos = 0
		}
		b := c.buf[c.pos]
		c.pos++
		if b == '\n' {
			p[n] = '\r'
			n++
			c.pendCR = true
			continue
		}
		p[n] = b
		n++
	}
	return n, nil
}
