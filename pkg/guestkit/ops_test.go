package guestkit

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/protocol"
)

func TestPing(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)
	c.queue(replyFrame(t, procPingDaemon, protocol.SerialOrigin, nil))

	require.NoError(t, h.Ping())

	frames := parseSentFrames(t, c)
	require.Len(t, frames, 1)
	hdr, _, err := protocol.DecodeMessage(frames[0].body)
	require.NoError(t, err)
	assert.Equal(t, uint32(procPingDaemon), hdr.Proc)
}

func TestPingRequiresReady(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})
	assert.ErrorIs(t, h.Ping(), api.ErrWrongState)
}

func TestEcho(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)

	words := []string{"hello", "guest", "daemon"}
	c.queue(replyFrame(t, procEchoDaemon, protocol.SerialOrigin, protocol.EncodeStringList(words)))

	got, err := h.Echo(words)
	require.NoError(t, err)
	assert.Equal(t, words, got)
}

func TestUpload(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)
	c.queue(replyFrame(t, procUpload, protocol.SerialOrigin, nil))

	local := filepath.Join(t.TempDir(), "payload")
	content := bytes.Repeat([]byte("x"), protocol.MaxChunkSize+100)
	require.NoError(t, os.WriteFile(local, content, 0o644))

	require.NoError(t, h.Upload(local, "/remote/payload"))

	frames := parseSentFrames(t, c)
	// Call message, two data chunks, end-of-transfer chunk.
	require.Len(t, frames, 4)

	hdr, payload, err := protocol.DecodeMessage(frames[0].body)
	require.NoError(t, err)
	assert.Equal(t, uint32(procUpload), hdr.Proc)
	remote, err := protocol.DecodeString(payload)
	require.NoError(t, err)
	assert.Equal(t, "/remote/payload", remote)

	var received []byte
	for _, f := range frames[1:] {
		chunk, err := protocol.DecodeChunk(f.body)
		require.NoError(t, err)
		assert.False(t, chunk.Cancel)
		received = append(received, chunk.Data...)
	}
	assert.Equal(t, content, received)
}

func TestUploadDaemonCancelSendsOneCancelChunk(t *testing.T) {
	// The daemon cancels before the first chunk; its error reply
	// explains the failure. The library must answer with exactly one
	// cancellation chunk and surface the daemon's error.
	c := &fakeConn{canReads: []bool{false, true}}
	c.queue(
		flagFrame(protocol.CancelFlag),
		errorReplyFrame(t, procUpload, protocol.SerialOrigin, "ENOSPC", "no space left on device"),
	)
	h, _ := readyTestHandle(t, c)

	local := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o644))

	err := h.Upload(local, "/remote/payload")
	require.ErrorIs(t, err, ErrDaemon)
	assert.Contains(t, err.Error(), "no space left on device")

	frames := parseSentFrames(t, c)
	require.Len(t, frames, 2)
	cancels := 0
	for _, f := range frames[1:] {
		chunk, err := protocol.DecodeChunk(f.body)
		require.NoError(t, err)
		if chunk.Cancel {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestUploadUserCancel(t *testing.T) {
	c := &fakeConn{}
	c.queue(errorReplyFrame(t, procUpload, protocol.SerialOrigin, "EINTR", "transfer interrupted"))
	h, _ := readyTestHandle(t, c)

	// Cancel after the first data chunk goes out (write 1 is the call
	// message, write 2 the first chunk).
	c.onWrite = func(writeNo int) {
		if writeNo == 2 {
			h.UserCancel()
		}
	}

	local := filepath.Join(t.TempDir(), "payload")
	content := bytes.Repeat([]byte("y"), 2*protocol.MaxChunkSize)
	require.NoError(t, os.WriteFile(local, content, 0o644))

	err := h.Upload(local, "/remote/payload")
	require.ErrorIs(t, err, api.ErrUserCancelled)

	frames := parseSentFrames(t, c)
	// Call, one data chunk, one cancellation chunk.
	require.Len(t, frames, 3)
	last, derr := protocol.DecodeChunk(frames[2].body)
	require.NoError(t, derr)
	assert.True(t, last.Cancel)
}

func TestUploadMissingLocalFile(t *testing.T) {
	c := &fakeConn{}
	c.queue(errorReplyFrame(t, procUpload, protocol.SerialOrigin, "EINTR", "transfer interrupted"))
	h, _ := readyTestHandle(t, c)

	err := h.Upload(filepath.Join(t.TempDir(), "does-not-exist"), "/remote/x")
	require.ErrorIs(t, err, api.ErrInvalidConfig)

	// The aborted transfer still gets closed out with a cancellation
	// chunk so the protocol stays in sync.
	frames := parseSentFrames(t, c)
	require.Len(t, frames, 2)
	chunk, derr := protocol.DecodeChunk(frames[1].body)
	require.NoError(t, derr)
	assert.True(t, chunk.Cancel)
}

func TestDownload(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)
	c.queue(
		replyFrame(t, procDownload, protocol.SerialOrigin, nil),
		chunkFrame(t, protocol.Chunk{Data: []byte("first-")}),
		chunkFrame(t, protocol.Chunk{Data: []byte("second")}),
		chunkFrame(t, protocol.Chunk{}),
	)

	local := filepath.Join(t.TempDir(), "out")
	require.NoError(t, h.Download("/remote/file", local))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, []byte("first-second"), data)
}

func TestDownloadDaemonError(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)
	c.queue(errorReplyFrame(t, procDownload, protocol.SerialOrigin, "ENOENT", "no such file or directory"))

	local := filepath.Join(t.TempDir(), "out")
	err := h.Download("/remote/missing", local)
	require.ErrorIs(t, err, ErrDaemon)
	// No transfer happened; the target must not exist.
	_, serr := os.Stat(local)
	assert.True(t, os.IsNotExist(serr))
}

func TestDownloadDaemonCancelledMidTransfer(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)
	c.queue(
		replyFrame(t, procDownload, protocol.SerialOrigin, nil),
		chunkFrame(t, protocol.Chunk{Data: []byte("partial")}),
		chunkFrame(t, protocol.Chunk{Cancel: true}),
	)

	err := h.Download("/remote/file", filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, api.ErrDaemonCancelled)
}

func TestDownloadUserCancelDrainsTransfer(t *testing.T) {
	c := &fakeConn{}
	h, _ := readyTestHandle(t, c)
	c.queue(
		replyFrame(t, procDownload, protocol.SerialOrigin, nil),
		chunkFrame(t, protocol.Chunk{Data: []byte("abc")}),
		chunkFrame(t, protocol.Chunk{Data: []byte("def")}),
		chunkFrame(t, protocol.Chunk{}),
	)

	// Cancel once the first chunk has been read off the wire (reads 1
	// and 2 are the reply, 3 and 4 the first chunk).
	c.onRead = func(readNo int) {
		if readNo == 4 {
			h.UserCancel()
		}
	}

	local := filepath.Join(t.TempDir(), "out")
	err := h.Download("/remote/file", local)
	require.ErrorIs(t, err, api.ErrUserCancelled)

	// The cancel word went out and the remaining chunks were drained.
	frames := parseSentFrames(t, c)
	require.NotEmpty(t, frames)
	assert.Equal(t, uint32(protocol.CancelFlag), frames[len(frames)-1].flag)
	assert.Zero(t, c.in.Len())

	data, rerr := os.ReadFile(local)
	require.NoError(t, rerr)
	assert.Equal(t, []byte("abc"), data)
}
