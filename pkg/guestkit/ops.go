package guestkit

import (
	"errors"
	"os"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/protocol"
)

// Daemon procedure numbers. The values are part of the wire protocol
// and must not change.
const (
	procUpload     = 66
	procDownload   = 67
	procPingDaemon = 92
	procEchoDaemon = 95
)

// uploadHintUnit converts a file size into the progress hint the
// daemon uses to decide whether progress messages are worth sending.
const uploadHintUnit = 2 * 1024 * 1024

func (h *Handle) readyLocked() error {
	if h.state == StateNoHandle {
		return api.ErrClosed
	}
	if h.state != StateReady {
		return errx.With(api.ErrWrongState, ": handle is %s, expected %s", h.state, StateReady)
	}
	return nil
}

// Ping performs a round trip to the daemon without side effects.
// Useful as a liveness check of a launched appliance.
func (h *Handle) Ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return h.fail(err)
	}
	serial, err := h.sendLocked(procPingDaemon, 0, 0, nil)
	if err != nil {
		return h.fail(err)
	}
	if _, err := h.recvLocked(procPingDaemon, serial); err != nil {
		return h.fail(err)
	}
	return nil
}

// Echo sends a list of words to the daemon, which echoes them back.
// Exists to exercise argument and return marshalling end to end.
func (h *Handle) Echo(words []string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return nil, h.fail(err)
	}
	serial, err := h.sendLocked(procEchoDaemon, 0, 0, protocol.EncodeStringList(words))
	if err != nil {
		return nil, h.fail(err)
	}
	payload, err := h.recvLocked(procEchoDaemon, serial)
	if err != nil {
		return nil, h.fail(err)
	}
	out, err := protocol.DecodeStringList(payload)
	if err != nil {
		return nil, h.fail(errx.Wrap(ErrProtocolDesync, err))
	}
	return out, nil
}

// Upload copies a local file into the guest at the given path. The
// transfer can be interrupted with UserCancel, or by the daemon if it
// hits an error writing the remote file.
func (h *Handle) Upload(localPath, remotePath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return h.fail(err)
	}

	var hint uint64
	if fi, err := os.Stat(localPath); err == nil {
		hint = uint64(fi.Size()) / uploadHintUnit
	}

	serial, err := h.sendLocked(procUpload, hint, 0, protocol.EncodeString(remotePath))
	if err != nil {
		return h.fail(err)
	}

	if err := h.sendFileLocked(localPath); err != nil {
		if errors.Is(err, api.ErrDaemonCancelled) {
			// The daemon stopped us because it failed on its side.
			// Its error reply explains why, and clears the call.
			if _, rerr := h.recvLocked(procUpload, serial); rerr != nil {
				return h.fail(rerr)
			}
			return h.fail(err)
		}
		// Local failure; the cancellation chunk has been sent, and
		// the daemon answers the aborted call with an error reply.
		_, _ = h.recvLocked(procUpload, serial)
		return h.fail(err)
	}

	if _, err := h.recvLocked(procUpload, serial); err != nil {
		return h.fail(err)
	}
	return nil
}

// Download copies a file out of the guest into a local path. Pass
// "/dev/stdout" as localPath to stream to standard output.
func (h *Handle) Download(remotePath, localPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return h.fail(err)
	}

	serial, err := h.sendLocked(procDownload, 0, 0, protocol.EncodeString(remotePath))
	if err != nil {
		return h.fail(err)
	}
	if _, err := h.recvLocked(procDownload, serial); err != nil {
		return h.fail(err)
	}
	if err := h.recvFileLocked(localPath); err != nil {
		return h.fail(err)
	}
	return nil
}
