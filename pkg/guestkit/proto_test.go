package guestkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/protocol"
)

// sentFrame is one frame parsed back out of the fake connection's
// write capture: either a bare control flag or a framed body.
type sentFrame struct {
	flag uint32
	body []byte
}

func parseSentFrames(t *testing.T, c *fakeConn) []sentFrame {
	t.Helper()
	var frames []sentFrame
	for c.out.Len() > 0 {
		var lenbuf [4]byte
		_, err := c.out.Read(lenbuf[:])
		require.NoError(t, err)
		n, err := protocol.DecodeUint32(lenbuf[:])
		require.NoError(t, err)

		if protocol.IsControlFlag(n) {
			frames = append(frames, sentFrame{flag: n})
			continue
		}
		body := make([]byte, n)
		_, err = c.out.Read(body)
		require.NoError(t, err)
		frames = append(frames, sentFrame{body: body})
	}
	return frames
}

func TestSendFramesCallWithSequentialSerials(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	s1, err := h.Send(procPingDaemon, 0, 0, nil)
	require.NoError(t, err)
	s2, err := h.Send(procPingDaemon, 0, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(protocol.SerialOrigin), s1)
	assert.Equal(t, s1+1, s2)

	frames := parseSentFrames(t, c)
	require.Len(t, frames, 2)
	for i, f := range frames {
		hdr, _, err := protocol.DecodeMessage(f.body)
		require.NoError(t, err)
		assert.Equal(t, uint32(protocol.Program), hdr.Prog)
		assert.Equal(t, uint32(protocol.DirectionCall), hdr.Direction)
		assert.Equal(t, uint32(procPingDaemon), hdr.Proc)
		assert.Equal(t, s1+uint32(i), hdr.Serial)
	}
}

func TestRecvReturnsReplyPayload(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	payload := protocol.EncodeString("pong")
	c.queue(replyFrame(t, procPingDaemon, protocol.SerialOrigin, payload))

	got, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRecvSerialMismatch(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	c.queue(replyFrame(t, procPingDaemon, protocol.SerialOrigin+7, nil))

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.ErrorIs(t, err, ErrProtocolDesync)
	assert.Contains(t, err.Error(), "serial")
}

func TestRecvProcedureMismatchNamesBothNumbers(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	c.queue(replyFrame(t, procEchoDaemon, protocol.SerialOrigin, nil))

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.ErrorIs(t, err, ErrProtocolDesync)
	assert.Contains(t, err.Error(), "95")
	assert.Contains(t, err.Error(), "92")
}

func TestRecvDaemonErrorReply(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	c.queue(errorReplyFrame(t, procPingDaemon, protocol.SerialOrigin, "ENOENT", "no such file"))

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.ErrorIs(t, err, ErrDaemon)

	var de *DaemonError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ENOENT", de.Errno)
	assert.Equal(t, "no such file", de.Message)
}

func TestRecvDispatchesInterleavedProgress(t *testing.T) {
	c := &fakeConn{}
	h, sink := readyTestHandle(t, c)

	c.queue(
		progressFrame(protocol.Progress{Proc: procPingDaemon, Serial: protocol.SerialOrigin, Position: 3, Total: 10}),
		progressFrame(protocol.Progress{Proc: procPingDaemon, Serial: protocol.SerialOrigin, Position: 7, Total: 10}),
		replyFrame(t, procPingDaemon, protocol.SerialOrigin, nil),
	)

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.NoError(t, err)
	assert.Len(t, sink.byType(logging.EventProgress), 2)
}

func TestRecvSkipsStrayCancelFlag(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	c.queue(
		flagFrame(protocol.CancelFlag),
		replyFrame(t, procPingDaemon, protocol.SerialOrigin, nil),
	)

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.NoError(t, err)
}

func TestRecvLaunchFlagWhileExpectingReply(t *testing.T) {
	c := &fakeConn{}
	h, sink := readyTestHandle(t, c)

	c.queue(flagFrame(protocol.LaunchFlag))

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.ErrorIs(t, err, ErrProtocolDesync)
	assert.Contains(t, err.Error(), "launch flag")

	// The flag also gets reported: the handle was not LAUNCHING.
	assert.NotEmpty(t, sink.byType(logging.EventWarning))
}

func TestRecvOversizedLengthIsDesync(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	c.queue(protocol.EncodeUint32(protocol.MaxMessageSize + 1))

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.ErrorIs(t, err, ErrProtocolDesync)
}

func TestRecvPeerClosedRollsBackToConfig(t *testing.T) {
	be := &fakeBackend{}
	h, sink := newTestHandle(t, be)
	c := &fakeConn{}
	h.state = StateReady
	h.conn = c

	_, err := h.Recv(procPingDaemon, protocol.SerialOrigin)
	require.ErrorIs(t, err, ErrUnexpectedClose)

	assert.True(t, h.IsConfig())
	assert.Equal(t, 1, be.shutdowns)
	assert.Equal(t, 1, c.closeCalls)
	assert.NotEmpty(t, sink.byType(logging.EventSubprocessQuit))
}

func TestSendChecksPendingSocketData(t *testing.T) {
	c := &fakeConn{canReads: []bool{true}}
	c.queue(protocol.EncodeUint32(0x12345678))
	h, _ := readyTestHandle(t, c)

	_, err := h.Send(procPingDaemon, 0, 0, nil)
	require.ErrorIs(t, err, ErrProtocolDesync)
	assert.Contains(t, err.Error(), "0x12345678")
}

func TestSendIgnoresStrayCancel(t *testing.T) {
	c := &fakeConn{canReads: []bool{true}}
	c.queue(flagFrame(protocol.CancelFlag))
	h, _ := readyTestHandle(t, c)

	_, err := h.Send(procPingDaemon, 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, parseSentFrames(t, c), 1)
}

func TestSendDispatchesPendingProgress(t *testing.T) {
	c := &fakeConn{canReads: []bool{true, true}}
	c.queue(
		progressFrame(protocol.Progress{Position: 1, Total: 2}),
		flagFrame(protocol.CancelFlag),
	)
	h, sink := readyTestHandle(t, c)

	_, err := h.Send(procPingDaemon, 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, sink.byType(logging.EventProgress), 1)
}
