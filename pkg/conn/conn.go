// Package conn abstracts the bytestream between the library and the
// guest daemon. The socket implementation multiplexes the daemon
// socket with a separate console socket: whenever console output is
// available it is drained and dispatched as a log event before the
// requested transfer resumes, so callers never see console data mixed
// into protocol reads.
package conn

// LogFunc receives raw console/log output as it is drained from the
// console socket. The bytes are forwarded verbatim, control sequences
// included.
type LogFunc func(buf []byte)

// Connection is the transport used for all daemon traffic on one
// handle. Implementations own their descriptors and close them on
// Close.
type Connection interface {
	// Accept waits for the daemon to connect, draining console output
	// meanwhile. Returns nil once connected, ErrPeerClosed if the
	// appliance went away before connecting, ErrAcceptTimeout when the
	// wall-clock launch timeout expires, or another error.
	Accept() error

	// Read fills buf completely, interleaving console handling.
	// Returns ErrPeerClosed on clean EOF or connection reset.
	Read(buf []byte) error

	// Write sends buf completely, interleaving console handling.
	// Returns ErrPeerClosed when the daemon end is gone (broken pipe).
	Write(buf []byte) error

	// CanRead is a non-blocking readiness probe of the daemon socket.
	CanRead() (bool, error)

	// ConsoleFd exposes the console descriptor for external viewers.
	// Optional capability; returns ErrConsoleUnavailable otherwise.
	ConsoleFd() (int, error)

	// Close releases all descriptors. Safe to call more than once.
	Close() error
}
