package guestkit

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/conn"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/protocol"
	"github.com/guestkit/guestkit/pkg/vm"
)

// fakeConn scripts the daemon side of the wire: Read serves the
// frames queued in `in`, Write captures everything the library sends,
// and CanRead pops pre-programmed answers so tests control exactly
// when a pending cancel or progress frame becomes visible.
type fakeConn struct {
	in       bytes.Buffer
	out      bytes.Buffer
	canReads []bool

	acceptErr  error
	accepted   bool
	closeCalls int

	// Hooks fired after each successful Read/Write, for injecting
	// cancellation at a precise point in a transfer.
	onRead  func(readNo int)
	onWrite func(writeNo int)
	reads   int
	writes  int
}

func (c *fakeConn) Accept() error {
	c.accepted = true
	return c.acceptErr
}

func (c *fakeConn) Read(buf []byte) error {
	if c.in.Len() < len(buf) {
		return conn.ErrPeerClosed
	}
	if _, err := c.in.Read(buf); err != nil {
		return err
	}
	c.reads++
	if c.onRead != nil {
		c.onRead(c.reads)
	}
	return nil
}

func (c *fakeConn) Write(buf []byte) error {
	if _, err := c.out.Write(buf); err != nil {
		return err
	}
	c.writes++
	if c.onWrite != nil {
		c.onWrite(c.writes)
	}
	return nil
}

func (c *fakeConn) CanRead() (bool, error) {
	if len(c.canReads) == 0 {
		return false, nil
	}
	v := c.canReads[0]
	c.canReads = c.canReads[1:]
	return v, nil
}

func (c *fakeConn) ConsoleFd() (int, error) { return 0, conn.ErrConsoleUnavailable }

func (c *fakeConn) Close() error {
	c.closeCalls++
	return nil
}

// queue appends a pre-framed daemon message to the read side.
func (c *fakeConn) queue(frames ...[]byte) {
	for _, f := range frames {
		c.in.Write(f)
	}
}

type fakeBackend struct {
	conn      conn.Connection
	launchErr error
	maxDisks  int
	pid       int

	launches  int
	shutdowns int
	overlays  []string
}

func (b *fakeBackend) CreateCOWOverlay(p *vm.LaunchParams, backing, backingFormat string) (string, error) {
	overlay := backing + ".overlay"
	b.overlays = append(b.overlays, overlay)
	return overlay, nil
}

func (b *fakeBackend) Launch(ctx context.Context, p *vm.LaunchParams) (conn.Connection, error) {
	b.launches++
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	return b.conn, nil
}

func (b *fakeBackend) Shutdown(checkForErrors bool) error {
	b.shutdowns++
	return nil
}

func (b *fakeBackend) PID() (int, error)      { return b.pid, nil }
func (b *fakeBackend) MaxDisks() (int, error) { return b.maxDisks, nil }

// memSink collects emitted events for assertions.
type memSink struct {
	mu     sync.Mutex
	events []logging.Event
}

func (s *memSink) Write(ev *logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) byType(eventType string) []logging.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []logging.Event
	for _, ev := range s.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// newTestHandle builds a handle wired to a fake backend, bypassing
// the appliance search. The returned handle starts in CONFIG.
func newTestHandle(t *testing.T, be *fakeBackend) (*Handle, *memSink) {
	t.Helper()

	vm.Register("fake", func(arg string) vm.Backend { return be })

	s := api.DefaultSettings()
	s.Backend = "fake"
	s.TmpDir = t.TempDir()
	s.Path = fixedApplianceDir(t)

	h, err := NewWithSettings(s)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	sink := &memSink{}
	h.AddSink(sink)
	return h, sink
}

// readyTestHandle builds a handle already in READY talking to the
// given connection, for exercising the protocol driver directly.
func readyTestHandle(t *testing.T, c conn.Connection) (*Handle, *memSink) {
	t.Helper()
	h, sink := newTestHandle(t, &fakeBackend{})
	h.state = StateReady
	h.conn = c
	return h, sink
}

func fixedApplianceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{"README.fixed", "kernel", "initrd", "root"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0o644))
	}
	return dir
}

func flagFrame(flag uint32) []byte {
	return protocol.EncodeUint32(flag)
}

func replyFrame(t *testing.T, proc, serial uint32, payload []byte) []byte {
	t.Helper()
	msg, err := protocol.EncodeMessage(protocol.MessageHeader{
		Prog:      protocol.Program,
		Vers:      protocol.ProtocolVersion,
		Proc:      proc,
		Direction: protocol.DirectionReply,
		Serial:    serial,
		Status:    protocol.StatusOK,
	}, payload)
	require.NoError(t, err)
	return msg
}

func errorReplyFrame(t *testing.T, proc, serial uint32, errno, message string) []byte {
	t.Helper()
	msg, err := protocol.EncodeMessage(protocol.MessageHeader{
		Prog:      protocol.Program,
		Vers:      protocol.ProtocolVersion,
		Proc:      proc,
		Direction: protocol.DirectionReply,
		Serial:    serial,
		Status:    protocol.StatusError,
	}, protocol.EncodeMessageError(protocol.MessageError{Errno: errno, Message: message}))
	require.NoError(t, err)
	return msg
}

func progressFrame(p protocol.Progress) []byte {
	return append(protocol.EncodeUint32(protocol.ProgressFlag), protocol.EncodeProgress(p)...)
}

func chunkFrame(t *testing.T, c protocol.Chunk) []byte {
	t.Helper()
	msg, err := protocol.EncodeChunk(c)
	require.NoError(t, err)
	return msg
}
