package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
)

// SMTPTransport drives an RFC-821 session (HELO/MAIL FROM/RCPT TO/DATA/
// QUIT) via net/smtp. net/smtp's Client exposes the individual
// protocol verbs directly, which is what a multi-file session like
// sf_smtp's (one MAIL/RCPT/DATA transaction per file) needs instead of
// the one-shot smtp.SendMail helper.
type SMTPTransport struct {
	Host       string
	Port       int
	From       string
	To         []string
	Subject    string
	AttachFile bool
	MsgName    string // used as the MIME multipart boundary seed

	client *smtp.Client
}

func (t *SMTPTransport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.Host, t.portOrDefault())
	c, err := smtp.Dial(addr)
	if err != nil {
		return &SendError{Code: ExitConnectError, Err: err}
	}
	if err := c.Hello("localhost"); err != nil {
		_ = c.Close()
		return &SendError{Code: ExitConnectError, Err: err}
	}
	t.client = c
	return nil
}

func (t *SMTPTransport) portOrDefault() int {
	if t.Port != 0 {
		return t.Port
	}
	return 25
}

// SendFile delivers srcPath as one message, subject defaulting to the
// filename, attached as a base64 MIME part when AttachFile is set,
// otherwise inlined as the message body with CP-437 transliteration
// applied.
func (t *SMTPTransport) SendFile(ctx context.Context, srcPath, destName string, size int64, report func(done int64)) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return &SendError{Code: ExitOpenLocalError, Err: err}
	}

	if err := t.client.Mail(t.From); err != nil {
		return &SendError{Code: ExitUserError, Err: err}
	}
	for _, rcpt := range t.To {
		if err := t.client.Rcpt(rcpt); err != nil {
			return &SendError{Code: ExitUserError, Err: err}
		}
	}

	w, err := t.client.Data()
	if err != nil {
		return &SendError{Code: ExitOpenRemoteError, Err: err}
	}

	subject := t.Subject
	if subject == "" {
		subject = filepath.Base(destName)
	}
	body := buildMessage(t.From, t.To, subject, destName, data, t.AttachFile, t.MsgName)

	n, err := w.Write(body)
	if err == nil {
		report(int64(n))
		err = w.Close()
	}
	if err != nil {
		return &SendError{Code: ExitWriteRemoteError, Err: err}
	}
	return nil
}

func (t *SMTPTransport) Close() error {
	if t.client == nil {
		return nil
	}
	if err := t.client.Quit(); err != nil {
		return err
	}
	return nil
}

// SupportsBurst is false: each SMTP job is its own DATA transaction with no
// shared per-host session worth keeping across jobs.
func (t *SMTPTransport) SupportsBurst() bool { return false }

// SupportsAppend is false: a mail message can't be resumed mid-send.
func (t *SMTPTransport) SupportsAppend() bool { return false }

// buildMessage assembles an RFC-822 message, either a plain transliterated
// body or a base64 attach-file MIME part with boundary `----<msg_name>`.
func buildMessage(from string, to []string, subject, fileName string, data []byte, attach bool, msgName string) []byte {
	var buf bytes.Buffer
	header := textproto.MIMEHeader{}
	header.Set("From", from)
	header.Set("To", joinAddrs(to))
	header.Set("Subject", subject)
	header.Set("MIME-Version", "1.0")

	if !attach {
		header.Set("Content-Type", "text/plain; charset=ISO-8859-1")
		writeHeader(&buf, header)
		buf.Write(TransliterateCP437(data))
		buf.WriteString("\r\n")
		return buf.Bytes()
	}

	boundary := "----" + msgName
	header.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	writeHeader(&buf, header)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: application/octet-stream\r\n")
	fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", fileName)
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	enc := base64.StdEncoding.EncodeToString(data)
	for i := 0; i < len(enc); i += 76 {
		end := i + 76
		if end > len(enc) {
			end = len(enc)
		}
		buf.WriteString(enc[i:end])
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, h textproto.MIMEHeader) {
	for k, vs := range h {
		for _, v := range vs {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}
