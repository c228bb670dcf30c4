// Package vm defines the hypervisor backend contract and the registry
// through which backends are selected by name. A backend owns the
// guest process (or libvirt domain) for exactly one launch; handles
// create a fresh backend instance per launch attempt.
package vm

import (
	"context"

	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/appliance"
	"github.com/guestkit/guestkit/pkg/conn"
	"github.com/guestkit/guestkit/pkg/logging"
)

// HVParam is one extra hypervisor parameter requested by the caller.
type HVParam struct {
	Param string
	Value string
}

// LaunchParams carries everything a backend needs to boot the guest.
type LaunchParams struct {
	Appliance *appliance.Files
	Drives    []*api.Drive

	MemoryMB int
	CPUs     int

	// HV overrides the hypervisor binary or emulator path.
	HV string

	// Append is extra text for the guest kernel command line.
	Append string

	// HVParams are extra hypervisor parameters added by the caller.
	HVParams []HVParam

	// BackendSettings are free-form name=value strings interpreted by
	// the selected backend, in api.BackendSetting format.
	BackendSettings []string

	// TempDir holds per-launch scratch files such as overlays.
	TempDir string

	// SockDir holds the guest and console sockets. Kept separate from
	// TempDir because socket paths have a hard length limit.
	SockDir string

	Verbose bool
	Emitter *logging.Emitter

	// ConsoleLog receives raw guest console output.
	ConsoleLog conn.LogFunc
}

// Backend starts and supervises one guest.
type Backend interface {
	// CreateCOWOverlay makes a copy-on-write overlay backed by the
	// given image, so the image itself is never written to. Returns
	// the overlay path.
	CreateCOWOverlay(p *LaunchParams, backing, backingFormat string) (string, error)

	// Launch boots the guest and returns the established connection
	// to the guest daemon. On error the backend has rolled back
	// whatever it created.
	Launch(ctx context.Context, p *LaunchParams) (conn.Connection, error)

	// Shutdown stops the guest. When checkForErrors is set the caller
	// wants to hear about an unclean exit; otherwise the guest is
	// torn down best-effort.
	Shutdown(checkForErrors bool) error

	// PID returns the hypervisor process ID, if the backend has one.
	PID() (int, error)

	// MaxDisks returns how many drives can be attached, or 0 when the
	// backend cannot tell (treated as no limit).
	MaxDisks() (int, error)
}
