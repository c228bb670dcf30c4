package guestkit

import (
	"errors"
	"io"
	"os"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/conn"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/protocol"
)

// DaemonError is a structured error reply from the guest daemon.
type DaemonError struct {
	// Errno is the symbolic errno name ("ENOENT"), or empty.
	Errno   string
	Message string
}

func (e *DaemonError) Error() string {
	if e.Errno != "" {
		return e.Message + " (" + e.Errno + ")"
	}
	return e.Message
}

// Is makes errors.Is(err, ErrDaemon) match any daemon error.
func (e *DaemonError) Is(target error) bool { return target == ErrDaemon }

// Send issues a call to the daemon and returns its serial. Most
// callers want the higher-level operations; Send/Recv are exposed for
// driving procedures this library has no wrapper for.
func (h *Handle) Send(proc uint32, progressHint, optargsBitmask uint64, payload []byte) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	serial, err := h.sendLocked(proc, progressHint, optargsBitmask, payload)
	if err != nil {
		return 0, h.fail(err)
	}
	return serial, nil
}

// Recv reads the reply to the call with the given procedure and
// serial and returns its payload. A structured daemon failure comes
// back as a *DaemonError.
func (h *Handle) Recv(proc, serial uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload, err := h.recvLocked(proc, serial)
	if err != nil {
		return nil, h.fail(err)
	}
	return payload, nil
}

// SendFile streams the named local file to the daemon in chunks, as
// the file-transfer phase of an upload-style call. Returns
// api.ErrDaemonCancelled if the daemon asked us to stop; the caller
// must then Recv the daemon's explanatory error reply.
func (h *Handle) SendFile(filename string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.sendFileLocked(filename); err != nil {
		return h.fail(err)
	}
	return nil
}

// RecvFile streams the file-transfer phase of a download-style call
// into the named local file.
func (h *Handle) RecvFile(filename string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.recvFileLocked(filename); err != nil {
		return h.fail(err)
	}
	return nil
}

// RecvDiscard reads and throws away one reply. Used after operations
// whose reply carries nothing of interest.
func (h *Handle) RecvDiscard() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.recvDiscardLocked(); err != nil {
		return h.fail(err)
	}
	return nil
}

func (h *Handle) sendLocked(proc uint32, progressHint, optargsBitmask uint64, payload []byte) (uint32, error) {
	if h.conn == nil {
		return 0, h.unexpectedCloseError()
	}

	serial := h.nextSerial
	h.nextSerial++

	msg, err := protocol.EncodeMessage(
		protocol.NewCallHeader(proc, serial, progressHint, optargsBitmask), payload)
	if err != nil {
		return 0, err
	}

	// A cancel flag can be left over from an earlier, already
	// completed transfer; discard it rather than tripping over it.
	if _, err := h.checkDaemonSocketLocked(); err != nil {
		return 0, err
	}

	if err := h.writeLocked(msg); err != nil {
		return 0, err
	}
	return serial, nil
}

func (h *Handle) recvLocked(proc, serial uint32) ([]byte, error) {
	for {
		size, buf, err := h.recvMessageLocked()
		if err != nil {
			return nil, err
		}
		switch size {
		case protocol.CancelFlag:
			// A cancellation can arrive just as a file-transfer
			// parameter finishes. The daemon sends its error message
			// next; keep reading.
			continue
		case protocol.LaunchFlag:
			return nil, errx.With(ErrProtocolDesync,
				": received unexpected launch flag from daemon when expecting reply")
		}

		hdr, payload, err := protocol.DecodeMessage(buf)
		if err != nil {
			return nil, errx.Wrap(ErrProtocolDesync, err)
		}
		if err := checkReplyHeader(hdr, proc, serial); err != nil {
			return nil, err
		}
		if hdr.Status == protocol.StatusError {
			me, err := protocol.DecodeMessageError(payload)
			if err != nil {
				return nil, errx.Wrap(ErrProtocolDesync, err)
			}
			return nil, &DaemonError{Errno: me.Errno, Message: me.Message}
		}
		return payload, nil
	}
}

func (h *Handle) recvDiscardLocked() error {
	for {
		size, _, err := h.recvMessageLocked()
		if err != nil {
			return err
		}
		switch size {
		case protocol.CancelFlag:
			continue
		case protocol.LaunchFlag:
			return errx.With(ErrProtocolDesync,
				": received unexpected launch flag from daemon when expecting reply")
		}
		return nil
	}
}

// checkReplyHeader validates a reply against the outstanding request.
// Any mismatch is a desynchronization, fatal to the call.
func checkReplyHeader(hdr protocol.MessageHeader, proc, serial uint32) error {
	if hdr.Prog != protocol.Program {
		return errx.With(protocol.ErrBadProgram, ": got 0x%x", hdr.Prog)
	}
	if hdr.Vers != protocol.ProtocolVersion {
		return errx.With(protocol.ErrBadVersion, ": got %d, expected %d", hdr.Vers, protocol.ProtocolVersion)
	}
	if hdr.Direction != protocol.DirectionReply {
		return errx.With(protocol.ErrBadDirection, ": got %d", hdr.Direction)
	}
	if hdr.Serial != serial {
		return errx.With(ErrProtocolDesync,
			": reply serial %d does not match request serial %d", hdr.Serial, serial)
	}
	if hdr.Proc != proc {
		return errx.With(ErrProtocolDesync,
			": reply procedure %d does not match request procedure %d", hdr.Proc, proc)
	}
	return nil
}

// recvMessageLocked reads frames until something other than a
// progress notification arrives. Returns the length word (which may
// be the launch or cancel flag) and, for real messages, the body.
func (h *Handle) recvMessageLocked() (uint32, []byte, error) {
	for {
		size, buf, err := h.recvFrameLocked()
		if err != nil {
			return 0, nil, err
		}
		if size == protocol.ProgressFlag {
			p, err := protocol.DecodeProgress(buf)
			if err != nil {
				return 0, nil, errx.Wrap(ErrProtocolDesync, err)
			}
			h.dispatchProgress(p)
			continue
		}
		return size, buf, nil
	}
}

// recvFrameLocked reads a single frame: the launch flag, the cancel
// flag, a progress notification (body included), or an ordinary
// message. The launch flag performs the LAUNCHING -> READY transition
// here, where it is detected.
func (h *Handle) recvFrameLocked() (uint32, []byte, error) {
	if h.conn == nil {
		return 0, nil, h.unexpectedCloseError()
	}

	var lenbuf [4]byte
	if err := h.readLocked(lenbuf[:]); err != nil {
		return 0, nil, err
	}
	size, err := protocol.DecodeUint32(lenbuf[:])
	if err != nil {
		return 0, nil, err
	}

	switch {
	case size == protocol.LaunchFlag:
		if h.state != StateLaunching {
			h.emitter.Warning("received launch flag from daemon in state " + h.state.String())
		} else {
			h.state = StateReady
			_ = h.emitter.Emit(logging.EventLaunchDone, "appliance is ready", nil)
		}
		return size, nil, nil
	case size == protocol.CancelFlag:
		return size, nil, nil
	case size == protocol.ProgressFlag:
		// Fixed-size body follows.
	case size > protocol.MaxMessageSize:
		return 0, nil, errx.With(ErrProtocolDesync,
			": message length %d > maximum possible size %d", size, protocol.MaxMessageSize)
	}

	n := int(size)
	if size == protocol.ProgressFlag {
		n = protocol.ProgressMessageSize
	}
	buf := make([]byte, n)
	if err := h.readLocked(buf); err != nil {
		return 0, nil, err
	}
	return size, buf, nil
}

// checkDaemonSocketLocked peeks the read side of the daemon socket
// before a write. Progress notifications found there are dispatched;
// a pending cancel flag is reported to the caller; anything else
// pending is a desynchronization.
func (h *Handle) checkDaemonSocketLocked() (cancelled bool, err error) {
	for {
		readable, err := h.conn.CanRead()
		if err != nil {
			return false, err
		}
		if !readable {
			return false, nil
		}

		var lenbuf [4]byte
		if err := h.readLocked(lenbuf[:]); err != nil {
			return false, err
		}
		flag, err := protocol.DecodeUint32(lenbuf[:])
		if err != nil {
			return false, err
		}

		if flag == protocol.ProgressFlag {
			buf := make([]byte, protocol.ProgressMessageSize)
			if err := h.readLocked(buf); err != nil {
				return false, err
			}
			p, err := protocol.DecodeProgress(buf)
			if err != nil {
				return false, errx.Wrap(ErrProtocolDesync, err)
			}
			h.dispatchProgress(p)
			continue
		}
		if flag != protocol.CancelFlag {
			return false, errx.With(ErrProtocolDesync,
				": read 0x%x from daemon, expected the cancel flag", flag)
		}
		return true, nil
	}
}

func (h *Handle) dispatchProgress(p protocol.Progress) {
	h.emitter.Progress(logging.ProgressData{
		Proc:     p.Proc,
		Serial:   p.Serial,
		Position: p.Position,
		Total:    p.Total,
	})
}

// readLocked reads exactly len(buf) bytes, converting a peer close
// into the standard unexpected-close error plus handle rollback.
func (h *Handle) readLocked(buf []byte) error {
	if err := h.conn.Read(buf); err != nil {
		if errors.Is(err, conn.ErrPeerClosed) {
			cerr := h.unexpectedCloseError()
			h.childCleanup()
			return cerr
		}
		return err
	}
	return nil
}

// writeLocked writes all of buf, with the same peer-close handling.
func (h *Handle) writeLocked(buf []byte) error {
	if err := h.conn.Write(buf); err != nil {
		if errors.Is(err, conn.ErrPeerClosed) {
			cerr := h.unexpectedCloseError()
			h.childCleanup()
			return cerr
		}
		return err
	}
	return nil
}

func (h *Handle) sendFileLocked(filename string) error {
	h.clearUserCancel()

	f, err := os.Open(filename)
	if err != nil {
		_ = h.sendChunkLocked(protocol.Chunk{Cancel: true})
		return errx.With(api.ErrInvalidConfig, ": open %s: %w", filename, err)
	}
	defer f.Close()

	buf := make([]byte, protocol.MaxChunkSize)
	for !h.userCancelled() {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := h.sendDataChunkLocked(buf[:n]); err != nil {
				if errors.Is(err, api.ErrDaemonCancelled) {
					_ = h.sendChunkLocked(protocol.Chunk{Cancel: true})
				}
				return err
			}
		}
		if rerr == io.EOF {
			// End of file: an empty, non-cancelled chunk.
			if err := h.sendDataChunkLocked(nil); err != nil {
				if errors.Is(err, api.ErrDaemonCancelled) {
					_ = h.sendChunkLocked(protocol.Chunk{Cancel: true})
				}
				return err
			}
			return nil
		}
		if rerr != nil {
			_ = h.sendChunkLocked(protocol.Chunk{Cancel: true})
			return errx.With(api.ErrInvalidConfig, ": read %s: %w", filename, rerr)
		}
	}

	_ = h.sendChunkLocked(protocol.Chunk{Cancel: true})
	return api.ErrUserCancelled
}

// sendDataChunkLocked sends one data chunk, first checking whether
// the daemon has asked for cancellation.
func (h *Handle) sendDataChunkLocked(data []byte) error {
	cancelled, err := h.checkDaemonSocketLocked()
	if err != nil {
		return err
	}
	if cancelled {
		h.emitter.Trace("got daemon cancellation")
		return api.ErrDaemonCancelled
	}
	return h.sendChunkLocked(protocol.Chunk{Data: data})
}

func (h *Handle) sendChunkLocked(c protocol.Chunk) error {
	msg, err := protocol.EncodeChunk(c)
	if err != nil {
		return err
	}
	return h.writeLocked(msg)
}

func (h *Handle) recvFileLocked(filename string) error {
	h.clearUserCancel()

	var f *os.File
	var err error
	switch filename {
	case "/dev/stdout":
		f = os.Stdout
	case "/dev/stderr":
		f = os.Stderr
	default:
		f, err = os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
		if err != nil {
			return h.cancelAndDrainLocked(errx.With(api.ErrInvalidConfig, ": %s: %w", filename, err))
		}
		defer f.Close()
	}

	for {
		data, err := h.receiveFileDataLocked()
		if err != nil {
			return err
		}
		if data == nil {
			// End of transfer.
			return nil
		}
		if _, werr := f.Write(data); werr != nil {
			return h.cancelAndDrainLocked(errx.With(api.ErrInvalidConfig, ": %s: write: %w", filename, werr))
		}
		if h.userCancelled() {
			return h.cancelAndDrainLocked(api.ErrUserCancelled)
		}
	}
}

// receiveFileDataLocked reads one chunk. nil data with nil error
// means end of transfer.
func (h *Handle) receiveFileDataLocked() ([]byte, error) {
	size, buf, err := h.recvMessageLocked()
	if err != nil {
		return nil, err
	}
	if size == protocol.LaunchFlag || size == protocol.CancelFlag {
		return nil, errx.With(ErrProtocolDesync,
			": unexpected flag received when reading file chunks")
	}
	c, err := protocol.DecodeChunk(buf)
	if err != nil {
		return nil, errx.Wrap(ErrProtocolDesync, err)
	}
	if c.Cancel {
		if h.userCancelled() {
			return nil, api.ErrUserCancelled
		}
		return nil, api.ErrDaemonCancelled
	}
	if len(c.Data) == 0 {
		return nil, nil
	}
	return c.Data, nil
}

// cancelAndDrainLocked tells the daemon to stop sending and discards
// chunks until it acknowledges, so the protocol stays in sync, then
// returns the original error.
func (h *Handle) cancelAndDrainLocked(cause error) error {
	h.emitter.Trace("waiting for daemon to acknowledge cancellation")
	if err := h.writeLocked(protocol.EncodeUint32(protocol.CancelFlag)); err != nil {
		return err
	}
	for {
		data, err := h.receiveFileDataLocked()
		if err != nil || data == nil {
			break
		}
	}
	return cause
}
