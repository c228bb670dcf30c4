package guestkit

import (
	"github.com/guestkit/guestkit/pkg/vm"
	"github.com/guestkit/guestkit/pkg/vm/direct"
	"github.com/guestkit/guestkit/pkg/vm/libvirt"
)

// RegisterDefaults registers the built-in backends. Call it once at
// program start, before creating handles. Programs embedding their
// own backend can skip it and call vm.Register directly.
func RegisterDefaults() {
	vm.Register(direct.Name, direct.Factory)
	vm.Register(libvirt.Name, libvirt.Factory)
}
