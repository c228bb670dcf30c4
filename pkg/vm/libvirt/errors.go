package libvirt

import "errors"

var (
	// ErrConnect indicates the libvirt daemon could not be reached.
	ErrConnect = errors.New("could not connect to libvirt")

	// ErrCapabilities indicates the capabilities documents could not
	// be fetched or parsed.
	ErrCapabilities = errors.New("could not get libvirt capabilities")

	// ErrNoQemu indicates the libvirt hypervisor driver cannot run
	// qemu or KVM guests, so the appliance cannot be created.
	ErrNoQemu = errors.New("libvirt hypervisor doesn't support qemu or KVM")

	// ErrSecret indicates a drive secret could not be stored in
	// libvirtd.
	ErrSecret = errors.New("could not store secret in libvirt")

	// ErrDomain indicates the appliance domain could not be created
	// through libvirt.
	ErrDomain = errors.New("could not create appliance through libvirt")

	// ErrDestroy indicates the appliance domain could not be
	// destroyed.
	ErrDestroy = errors.New("could not destroy libvirt domain")

	// ErrSocket indicates the daemon or console socket could not be
	// created.
	ErrSocket = errors.New("failed to create socket")

	// ErrConsole indicates qemu never connected to the console
	// socket.
	ErrConsole = errors.New("could not accept console connection")

	// ErrSettings indicates contradictory backend settings.
	ErrSettings = errors.New("invalid backend settings")
)
