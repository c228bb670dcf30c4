package vm

import (
	"strings"
	"sync"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
)

// Factory builds a backend instance. The argument is the part of the
// selector after the first colon, for example the libvirt URI in
// "libvirt:qemu:///session"; it is empty when the selector is a bare
// name.
type Factory func(arg string) Backend

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under the given name. Later
// registrations replace earlier ones.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// SplitSelector separates a backend selector into name and argument
// at the first colon.
func SplitSelector(selector string) (name, arg string) {
	if i := strings.IndexByte(selector, ':'); i >= 0 {
		return selector[:i], selector[i+1:]
	}
	return selector, ""
}

// New instantiates the backend named by selector.
func New(selector string) (Backend, error) {
	name, arg := SplitSelector(selector)

	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errx.With(api.ErrUnknownBackend, ": %q", name)
	}
	return f(arg), nil
}
