package api

import "errors"

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrWrongState      = errors.New("operation is not valid in the current handle state")
	ErrAlreadyLaunched = errors.New("the handle has already been launched")
	ErrNotLaunched     = errors.New("the appliance has not been launched yet")
	ErrTooManyDrives   = errors.New("too many drives have been added")
	ErrUnknownBackend  = errors.New("unknown backend")
	ErrNotSupported    = errors.New("not supported by the current backend")
	ErrClosed          = errors.New("handle is closed")

	// Cancellation is a first-class outcome, not a transport failure.
	// ErrUserCancelled reports a locally requested cancel;
	// ErrDaemonCancelled reports that the guest daemon aborted a
	// transfer from its side.
	ErrUserCancelled   = errors.New("operation cancelled by user")
	ErrDaemonCancelled = errors.New("file transfer cancelled by daemon")
)
