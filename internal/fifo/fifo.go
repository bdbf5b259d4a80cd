// Package fifo implements the FD/afd_mon control-plane channels: named
// pipes created on demand.
//
// Every payload is wrapped in a small frame — a version byte and an
// explicit message-type byte ahead of a length-prefixed body — rather
// than a raw, channel-specific byte layout per fifo.
package fifo

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// FrameVersion is bumped whenever the frame header shape changes.
const FrameVersion byte = 1

// Message types, one per logical payload shape carried across the control
// fifos.
const (
	TypeMsgFifoRecord byte = iota + 1
	TypeSfFinRecord
	TypeFDCmd
	TypeFDResp
	TypeWakeUp
	TypeRetry
	TypeDeleteJobs
	TypeTransDebug
)

// FD command-fifo single-byte commands.
const (
	CmdShutdown byte = iota + 1
	CmdIsAlive
	CmdQuickStop
	CmdSaveStop
	CmdDeleteJobs
	CmdCheckDir
)

// FD response-fifo codes.
const (
	RespAckn byte = iota + 1
	RespProcTerm
)

// Create makes the named pipe at path with mode 0640 if it does not
// already exist. Channels are idempotent to create, matching the
// "must exist before use" contract every FD/afd_mon process relies on at
// startup.
func Create(path string) error {
	if err := unix.Mkfifo(path, 0640); err != nil {
		if err == unix.EEXIST {
			return nil
		}
		return fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
	return nil
}

// Channel is one open end (read, write, or both) of a control fifo.
type Channel struct {
	path     string
	file     *os.File
	r        *bufio.Reader
	nonblock bool
	leftover []byte
}

// Open creates the fifo if absent and opens it read-write. Opening a FIFO
// O_RDWR never blocks waiting for a peer, unlike a read-only or write-only
// open, which is what lets a single process own both ends during startup
// and in tests.
func Open(path string) (*Channel, error) {
	if err := Create(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %s: %w", path, err)
	}
	return &Channel{path: path, file: f, r: bufio.NewReader(f)}, nil
}

// OpenNonblocking opens the channel the way the FD's wake-up and
// completion fifos are handled: descriptor in O_NONBLOCK mode, so
// ReadAvailable can drain whatever has arrived since the last wake-up
// without blocking for more.
func OpenNonblocking(path string) (*Channel, error) {
	if err := Create(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %s: %w", path, err)
	}
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("fifo: set nonblock %s: %w", path, err)
	}
	return &Channel{path: path, file: f, nonblock: true}, nil
}

// Close releases the channel's file descriptor.
func (c *Channel) Close() error { return c.file.Close() }

// WriteFrame writes one framed message: version, type, uint32 length,
// payload.
func (c *Channel) WriteFrame(msgType byte, payload []byte) error {
	header := make([]byte, 6)
	header[0] = FrameVersion
	header[1] = msgType
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if _, err := c.file.Write(header); err != nil {
		return fmt.Errorf("fifo: write header to %s: %w", c.path, err)
	}
	if len(payload) > 0 {
		if _, err := c.file.Write(payload); err != nil {
			return fmt.Errorf("fifo: write payload to %s: %w", c.path, err)
		}
	}
	return nil
}

// ReadFrame blocks for one full framed message and returns its type and
// payload.
func (c *Channel) ReadFrame() (msgType byte, payload []byte, err error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(c.r, header); err != nil {
		return 0, nil, fmt.Errorf("fifo: read header from %s: %w", c.path, err)
	}
	if header[0] != FrameVersion {
		return 0, nil, fmt.Errorf("fifo: unsupported frame version %d on %s", header[0], c.path)
	}
	n := binary.BigEndian.Uint32(header[2:])
	payload = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return 0, nil, fmt.Errorf("fifo: read payload from %s: %w", c.path, err)
		}
	}
	return header[1], payload, nil
}

// ReadAvailable drains every complete frame currently available on a
// channel opened with OpenNonblocking, without blocking for more — used to
// coalesce sf_fin_fifo notifications per a single wake-up.
func (c *Channel) ReadAvailable() ([]Frame, error) {
	if !c.nonblock {
		return nil, fmt.Errorf("fifo: ReadAvailable requires a channel opened with OpenNonblocking")
	}

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(int(c.file.Fd()), buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return nil, fmt.Errorf("fifo: read %s: %w", c.path, err)
		}
		if n <= 0 {
			break
		}
		c.leftover = append(c.leftover, buf[:n]...)
	}

	var frames []Frame
	for len(c.leftover) >= 6 {
		n := binary.BigEndian.Uint32(c.leftover[2:6])
		if uint32(len(c.leftover)) < 6+n {
			break // partial frame, wait for the rest on the next wake-up
		}
		if c.leftover[0] != FrameVersion {
			return frames, fmt.Errorf("fifo: unsupported frame version %d on %s", c.leftover[0], c.path)
		}
		frames = append(frames, Frame{Type: c.leftover[1], Payload: append([]byte(nil), c.leftover[6:6+n]...)})
		c.leftover = c.leftover[6+n:]
	}
	return frames, nil
}

// Frame is one decoded, still-typed message pulled off a Channel.
type Frame struct {
	Type    byte
	Payload []byte
}

// FrameWriter adapts a Channel into an io.Writer: every Write becomes one
// framed message of the given type. Used to tee a worker's debug log onto
// trans_debug_fifo.
func FrameWriter(c *Channel, msgType byte) io.Writer {
	return &frameWriter{c: c, msgType: msgType}
}

type frameWriter struct {
	c       *Channel
	msgType byte
}

func (w *frameWriter) Write(p []byte) (int, error) {
	if err := w.c.WriteFrame(w.msgType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// MsgFifoRecord is the AMG -> FD job-announcement payload.
type MsgFifoRecord struct {
	CreationTime int64
	JobID        uint32
	Unique       uint32
	Priority     byte
}

// EncodeMsgFifoRecord serialises r for the msg_fifo channel.
func EncodeMsgFifoRecord(r MsgFifoRecord) []byte {
	b := make([]byte, 17)
	binary.BigEndian.PutUint64(b[0:8], uint64(r.CreationTime))
	binary.BigEndian.PutUint32(b[8:12], r.JobID)
	binary.BigEndian.PutUint32(b[12:16], r.Unique)
	b[16] = r.Priority
	return b
}

// DecodeMsgFifoRecord parses a msg_fifo payload.
func DecodeMsgFifoRecord(b []byte) (MsgFifoRecord, error) {
	if len(b) != 17 {
		return MsgFifoRecord{}, fmt.Errorf("fifo: msg_fifo record wrong size %d", len(b))
	}
	return MsgFifoRecord{
		CreationTime: int64(binary.BigEndian.Uint64(b[0:8])),
		JobID:        binary.BigEndian.Uint32(b[8:12]),
		Unique:       binary.BigEndian.Uint32(b[12:16]),
		Priority:     b[16],
	}, nil
}

// EncodePid serialises a raw pid for sf_fin_fifo.
func EncodePid(pid int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pid))
	return b
}

// DecodePid parses an sf_fin_fifo payload.
func DecodePid(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("fifo: pid record wrong size %d", len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// EncodeRetry serialises a QB index for retry_fifo.
func EncodeRetry(qbIndex int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(qbIndex))
	return b
}

// DecodeRetry parses a retry_fifo payload.
func DecodeRetry(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("fifo: retry record wrong size %d", len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// EncodeDeleteJobs serialises a job-id list for delete_jobs_fifo.
func EncodeDeleteJobs(jobIDs []uint32) []byte {
	b := make([]byte, 4*len(jobIDs))
	for i, id := range jobIDs {
		binary.BigEndian.PutUint32(b[i*4:], id)
	}
	return b
}

// DecodeDeleteJobs parses a delete_jobs_fifo payload.
func DecodeDeleteJobs(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("fifo: delete_jobs record misaligned, %d bytes", len(b))
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out, nil
}
