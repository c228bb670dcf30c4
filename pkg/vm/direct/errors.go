package direct

import "errors"

var (
	// ErrArgumentCollision indicates the same qemu flag was added
	// twice where it may appear only once.
	ErrArgumentCollision = errors.New("qemu argument collision")

	// ErrSocket indicates the daemon or console socket could not be
	// created.
	ErrSocket = errors.New("failed to create socket")
)
