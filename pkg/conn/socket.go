package conn

import (
	"bytes"
	"time"

	"golang.org/x/sys/unix"

	"github.com/guestkit/guestkit/internal/errx"
)

// DefaultAcceptTimeout bounds the whole wait for the appliance to boot
// and connect back. It is deliberately generous: a loaded host doing a
// cold appliance build can legitimately take many minutes.
const DefaultAcceptTimeout = 20 * time.Minute

const consoleBufSize = 8192

// SGABIOS queries the serial console size with an ISO/IEC 6429 Device
// Status Report and stalls for a fixed period if nothing answers, so
// the transport answers on its behalf. The reply must be padded to at
// least 14 bytes because of a bug in its input routine; backspaces are
// the safest padding since NULs are ignored.
var (
	dsrRequest      = []byte("\x1b[6n")
	dsrReply        = []byte("\x1b[24;80R")
	dsrReplyPadding = []byte("\b\b\b\b\b\b\b\b\b\b\b\b\b\b\b\b")
)

// SocketOptions configure a socket connection.
type SocketOptions struct {
	// Log receives console output. May be nil.
	Log LogFunc
	// DrainConsoleOnClose reads out any console output buffered in
	// the kernel when peer close is detected, so late boot messages
	// are not lost. Enabled in verbose mode.
	DrainConsoleOnClose bool
	// AcceptTimeout overrides DefaultAcceptTimeout when positive.
	AcceptTimeout time.Duration
}

// Socket is the Unix-domain socket implementation of Connection. It
// owns every descriptor handed to it.
type Socket struct {
	consoleFd int // appliance console, -1 if absent
	daemonFd  int // connected daemon socket, -1 before accept
	acceptFd  int // listening socket, -1 after accept

	log           LogFunc
	drainOnClose  bool
	acceptTimeout time.Duration
}

// NewSocketListening wraps a listening daemon socket plus an optional
// console socket (pass -1 for none). Accept must be called before
// Read/Write. Both descriptors are owned by the connection from here
// on and are switched to non-blocking mode.
func NewSocketListening(acceptFd, consoleFd int, opts SocketOptions) (*Socket, error) {
	if err := unix.SetNonblock(acceptFd, true); err != nil {
		return nil, errx.With(ErrNotConnected, ": set nonblocking: %w", err)
	}
	if consoleFd >= 0 {
		if err := unix.SetNonblock(consoleFd, true); err != nil {
			return nil, errx.With(ErrNotConnected, ": set nonblocking: %w", err)
		}
	}
	s := newSocket(opts)
	s.acceptFd = acceptFd
	s.consoleFd = consoleFd
	return s, nil
}

// NewSocketConnected wraps an already-connected daemon socket. The
// caller promises not to call Accept.
func NewSocketConnected(daemonFd, consoleFd int, opts SocketOptions) (*Socket, error) {
	if err := unix.SetNonblock(daemonFd, true); err != nil {
		return nil, errx.With(ErrNotConnected, ": set nonblocking: %w", err)
	}
	if consoleFd >= 0 {
		if err := unix.SetNonblock(consoleFd, true); err != nil {
			return nil, errx.With(ErrNotConnected, ": set nonblocking: %w", err)
		}
	}
	s := newSocket(opts)
	s.daemonFd = daemonFd
	s.consoleFd = consoleFd
	return s, nil
}

func newSocket(opts SocketOptions) *Socket {
	timeout := opts.AcceptTimeout
	if timeout <= 0 {
		timeout = DefaultAcceptTimeout
	}
	return &Socket{
		consoleFd:     -1,
		daemonFd:      -1,
		acceptFd:      -1,
		log:           opts.Log,
		drainOnClose:  opts.DrainConsoleOnClose,
		acceptTimeout: timeout,
	}
}

func (s *Socket) Accept() error {
	if s.acceptFd == -1 {
		return ErrAcceptedTwice
	}

	deadline := time.Now().Add(s.acceptTimeout)

	for {
		fds := []unix.PollFd{{Fd: int32(s.acceptFd), Events: unix.POLLIN}}
		if s.consoleFd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(s.consoleFd), Events: unix.POLLIN})
		}

		// The timeout is wall clock, measured from the start of the
		// wait: console chatter must not extend it.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrAcceptTimeout
		}

		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return errx.With(ErrNotConnected, ": poll: %w", err)
		}
		if n == 0 {
			return ErrAcceptTimeout
		}

		if len(fds) > 1 && fds[1].Revents&unix.POLLIN != 0 {
			closed, err := s.handleLogMessage()
			if err != nil {
				return err
			}
			if closed {
				return ErrPeerClosed
			}
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			sock, _, err := unix.Accept4(s.acceptFd, unix.SOCK_CLOEXEC)
			if err != nil {
				if err == unix.EINTR || err == unix.EAGAIN {
					continue
				}
				return errx.With(ErrNotConnected, ": accept: %w", err)
			}
			unix.Close(s.acceptFd)
			s.acceptFd = -1
			s.daemonFd = sock
			if err := unix.SetNonblock(s.daemonFd, true); err != nil {
				return errx.With(ErrNotConnected, ": set nonblocking: %w", err)
			}
			return nil
		}
	}
}

func (s *Socket) Read(buf []byte) error {
	if s.daemonFd == -1 {
		return ErrNotConnected
	}

	for len(buf) > 0 {
		fds := []unix.PollFd{{Fd: int32(s.daemonFd), Events: unix.POLLIN}}
		if s.consoleFd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(s.consoleFd), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return errx.With(ErrNotConnected, ": poll: %w", err)
		}

		if len(fds) > 1 && fds[1].Revents&unix.POLLIN != 0 {
			closed, err := s.handleLogMessage()
			if err != nil {
				return err
			}
			if closed {
				return ErrPeerClosed
			}
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			n, err := unix.Read(s.daemonFd, buf)
			if err != nil {
				if err == unix.EINTR || err == unix.EAGAIN {
					continue
				}
				if err == unix.ECONNRESET {
					return s.peerClosed()
				}
				return errx.With(ErrNotConnected, ": read: %w", err)
			}
			if n == 0 {
				return s.peerClosed()
			}
			buf = buf[n:]
		}
	}

	return nil
}

func (s *Socket) Write(buf []byte) error {
	if s.daemonFd == -1 {
		return ErrNotConnected
	}

	for len(buf) > 0 {
		fds := []unix.PollFd{{Fd: int32(s.daemonFd), Events: unix.POLLOUT}}
		if s.consoleFd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(s.consoleFd), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return errx.With(ErrNotConnected, ": poll: %w", err)
		}

		if len(fds) > 1 && fds[1].Revents&unix.POLLIN != 0 {
			closed, err := s.handleLogMessage()
			if err != nil {
				return err
			}
			if closed {
				return ErrPeerClosed
			}
		}

		if fds[0].Revents&unix.POLLOUT != 0 {
			n, err := unix.Write(s.daemonFd, buf)
			if err != nil {
				if err == unix.EINTR || err == unix.EAGAIN {
					continue
				}
				// Disconnected from the guest; the same clean-close
				// condition as EOF on read.
				if err == unix.EPIPE {
					return ErrPeerClosed
				}
				return errx.With(ErrNotConnected, ": write: %w", err)
			}
			buf = buf[n:]
		}
	}

	return nil
}

func (s *Socket) CanRead() (bool, error) {
	if s.daemonFd == -1 {
		return false, ErrNotConnected
	}

	fds := []unix.PollFd{{Fd: int32(s.daemonFd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, 0)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return false, errx.With(ErrNotConnected, ": poll: %w", err)
		}
		return fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func (s *Socket) ConsoleFd() (int, error) {
	if s.consoleFd == -1 {
		return -1, ErrConsoleUnavailable
	}
	return s.consoleFd, nil
}

func (s *Socket) Close() error {
	if s.consoleFd >= 0 {
		unix.Close(s.consoleFd)
		s.consoleFd = -1
	}
	if s.daemonFd >= 0 {
		unix.Close(s.daemonFd)
		s.daemonFd = -1
	}
	if s.acceptFd >= 0 {
		unix.Close(s.acceptFd)
		s.acceptFd = -1
	}
	return nil
}

// peerClosed handles the daemon socket going away. Even though the
// hypervisor is gone, the kernel may still hold buffered console
// output with the final boot messages; read it out when configured.
func (s *Socket) peerClosed() error {
	if s.drainOnClose && s.consoleFd >= 0 {
		for {
			closed, err := s.handleLogMessage()
			if err != nil || closed {
				break
			}
			ready, err := s.consoleReadable()
			if err != nil || !ready {
				break
			}
		}
	}
	return ErrPeerClosed
}

func (s *Socket) consoleReadable() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.consoleFd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false, err
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// handleLogMessage drains one batch of console output and dispatches
// it. Returns closed=true when the console peer has gone away.
func (s *Socket) handleLogMessage() (closed bool, err error) {
	// The emulated 16550A serial port has a 16-byte FIFO, so console
	// reads arrive a few bytes at a time. A very brief sleep groups
	// them into whole lines, which improves throughput and makes the
	// event stream saner for consumers.
	time.Sleep(time.Millisecond)

	buf := make([]byte, consoleBufSize)
	n, err := unix.Read(s.consoleFd, buf)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return false, nil
		}
		return false, errx.With(ErrNotConnected, ": read console: %w", err)
	}
	if n == 0 {
		return true, nil
	}
	buf = buf[:n]

	if bytes.Contains(buf, dsrRequest) {
		// Answer the status report so the BIOS shim does not stall.
		// Errors are ignored: this is an optimization and the console
		// end may not even be writable.
		_, _ = unix.Write(s.consoleFd, dsrReply)
		_, _ = unix.Write(s.consoleFd, dsrReplyPadding)
	}

	// The raw bytes are always forwarded, control sequences included;
	// the canned reply above is an additional side effect.
	if s.log != nil {
		s.log(buf)
	}

	return false, nil
}
