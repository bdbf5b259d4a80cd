package fifo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg_fifo")
	require.NoError(t, Create(path))
	require.NoError(t, Create(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeNamedPipe)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg_fifo")
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	rec := MsgFifoRecord{CreationTime: 1700000000, JobID: 42, Unique: 7, Priority: '5'}
	require.NoError(t, c.WriteFrame(TypeMsgFifoRecord, EncodeMsgFifoRecord(rec)))

	typ, payload, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeMsgFifoRecord, typ)

	got, err := DecodeMsgFifoRecord(payload)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestFDCommandAndResponse(t *testing.T) {
	cmdPath := filepath.Join(t.TempDir(), "fd_cmd_fifo")
	cmd, err := Open(cmdPath)
	require.NoError(t, err)
	defer cmd.Close()

	require.NoError(t, cmd.WriteFrame(TypeFDCmd, []byte{CmdShutdown}))
	typ, payload, err := cmd.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeFDCmd, typ)
	require.Equal(t, []byte{CmdShutdown}, payload)

	respPath := filepath.Join(t.TempDir(), "fd_resp_fifo")
	resp, err := Open(respPath)
	require.NoError(t, err)
	defer resp.Close()

	require.NoError(t, resp.WriteFrame(TypeFDResp, []byte{RespAckn}))
	typ, payload, err = resp.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeFDResp, typ)
	require.Equal(t, []byte{RespAckn}, payload)
}

func TestReadAvailableCoalescesMultipleFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sf_fin_fifo")
	c, err := OpenNonblocking(path)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteFrame(TypeSfFinRecord, EncodePid(101)))
	require.NoError(t, c.WriteFrame(TypeSfFinRecord, EncodePid(102)))
	require.NoError(t, c.WriteFrame(TypeSfFinRecord, EncodePid(103)))

	frames, err := c.ReadAvailable()
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var pids []int32
	for _, f := range frames {
		pid, err := DecodePid(f.Payload)
		require.NoError(t, err)
		pids = append(pids, pid)
	}
	require.Equal(t, []int32{101, 102, 103}, pids)
}

func TestReadAvailableEmptyWhenNothingWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry_fifo")
	c, err := OpenNonblocking(path)
	require.NoError(t, err)
	defer c.Close()

	frames, err := c.ReadAvailable()
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestEncodeDecodeDeleteJobs(t *testing.T) {
	ids := []uint32{1, 2, 3, 99}
	got, err := DecodeDeleteJobs(EncodeDeleteJobs(ids))
	require.NoError(t, err)
	require.Equal(t, ids, got)
}
