package guestkit

import "errors"

// debugAdvice closes every terse failure message so users know how to
// get the full picture before filing a bug.
const debugAdvice = "Do:\n" +
	"  export GUESTKIT_DEBUG=1 GUESTKIT_TRACE=1\n" +
	"and run the command again, then examine the complete debug output."

var (
	// ErrLaunchFailed is the outer error for any launch failure; the
	// specific cause is wrapped inside it.
	ErrLaunchFailed = errors.New("launch failed")

	// ErrUnexpectedClose reports that the appliance closed the daemon
	// connection in the middle of an operation. The handle rolls back
	// to the configuration state when this happens.
	ErrUnexpectedClose = errors.New("appliance closed the connection unexpectedly")

	// ErrProtocolDesync reports that the reply stream no longer lines
	// up with our requests. The handle must be relaunched.
	ErrProtocolDesync = errors.New("lost protocol synchronization")

	// ErrBlockedParam reports a hypervisor parameter the library
	// manages itself and will not let callers override.
	ErrBlockedParam = errors.New("parameter isn't allowed")

	// ErrDaemon wraps a structured error reply from the guest daemon.
	ErrDaemon = errors.New("daemon error")
)
