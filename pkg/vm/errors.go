package vm

import "errors"

var (
	// ErrOverlay indicates a copy-on-write overlay could not be
	// created.
	ErrOverlay = errors.New("failed to create overlay")

	// ErrLaunch indicates the hypervisor could not be started.
	ErrLaunch = errors.New("failed to launch guest")

	// ErrShutdown indicates the guest could not be shut down cleanly.
	ErrShutdown = errors.New("failed to shut down guest")

	// ErrNotRunning indicates an operation that needs a running guest.
	ErrNotRunning = errors.New("guest is not running")

	// ErrRootUUID indicates the appliance root filesystem UUID could
	// not be determined.
	ErrRootUUID = errors.New("failed to read appliance root UUID")
)
