package conn

import "errors"

var (
	// ErrPeerClosed reports that the appliance end of the connection
	// went away (EOF, ECONNRESET or EPIPE). It is a distinct
	// condition, not an I/O error: callers roll the handle back to
	// the configuration state when they see it.
	ErrPeerClosed = errors.New("conn: connection closed by peer")

	ErrNotConnected       = errors.New("conn: socket not connected")
	ErrAcceptedTwice      = errors.New("conn: accept called twice")
	ErrAcceptTimeout      = errors.New("conn: timed out waiting for the appliance to connect")
	ErrConsoleUnavailable = errors.New("conn: console socket not connected")
)
