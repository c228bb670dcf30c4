package libvirt

import (
	"libvirt.org/go/libvirtxml"

	"github.com/guestkit/guestkit/internal/errx"
)

// parseCapabilities checks that the libvirt driver we connected to
// can actually run qemu or KVM guests. The classic failure is a
// default URI pointing at a Xen or LXC driver; the error spells out
// how to fix that because nothing downstream will.
func parseCapabilities(capsXML string, forceKVM bool) (seenQemu, seenKVM bool, err error) {
	var caps libvirtxml.Caps
	if err := caps.Unmarshal(capsXML); err != nil {
		return false, false, errx.With(ErrCapabilities, ": parse capabilities XML: %w", err)
	}

	for _, guest := range caps.Guests {
		for _, dom := range guest.Arch.Domains {
			switch dom.Type {
			case "qemu":
				seenQemu = true
			case "kvm":
				seenKVM = true
			}
		}
	}

	if (!seenQemu || forceKVM) && !seenKVM {
		return false, false, errx.With(ErrNoQemu,
			", so we cannot create the appliance.\n"+
				"Check that the PATH environment variable is set and contains\n"+
				"the path to the qemu ('qemu-system-*') or KVM ('qemu-kvm', 'kvm' etc).\n"+
				"Or: try setting the backend to libvirt:qemu:///session\n"+
				"Or: if you want qemu to be run directly, set the backend to direct")
	}
	return seenQemu, seenKVM, nil
}

// parseDomCapabilities extracts the default emulator path and the
// supported firmware autoselection values.
func parseDomCapabilities(domCapsXML string) (emulator string, firmwares []string, err error) {
	var dc libvirtxml.DomainCaps
	if err := dc.Unmarshal(domCapsXML); err != nil {
		return "", nil, errx.With(ErrCapabilities, ": parse domain capabilities XML: %w", err)
	}

	if dc.OS != nil {
		for _, e := range dc.OS.Enums {
			if e.Name == "firmware" {
				firmwares = append(firmwares, e.Values...)
			}
		}
	}
	return dc.Path, firmwares, nil
}

func supportsFirmware(firmwares []string, want string) bool {
	for _, f := range firmwares {
		if f == want {
			return true
		}
	}
	return false
}
