package direct

import (
	"slices"
	"strings"

	"github.com/guestkit/guestkit/internal/errx"
)

// argument is one qemu command-line flag, with or without a value.
// Most flags may appear only once; marking one repeatable allows
// several instances with distinct values, as -drive and -device need.
type argument struct {
	name       string
	value      string
	repeatable bool
}

func (a argument) String() string {
	if a.value == "" {
		return "-" + a.name
	}
	return "-" + a.name + " " + a.value
}

func (a argument) equal(other argument) bool {
	if a.name != other.name {
		return false
	}
	if a.repeatable {
		return a.value == other.value
	}
	return true
}

// uniqueArg returns a flag that may appear once. Multiple value parts
// are joined with commas, qemu's sub-option syntax.
func uniqueArg(name string, value ...string) argument {
	return argument{name: name, value: strings.Join(value, ",")}
}

// repeatableArg returns a flag that may appear many times.
func repeatableArg(name string, value ...string) argument {
	return argument{name: name, value: strings.Join(value, ","), repeatable: true}
}

// buildArgStrings compiles the argument list for exec, rejecting
// duplicate flags so a caller-supplied extra parameter cannot
// silently shadow one the backend depends on.
func buildArgStrings(args []argument) ([]string, error) {
	out := make([]string, 0, 2*len(args))
	for i, arg := range args {
		if j := slices.IndexFunc(args[:i], arg.equal); j != -1 {
			return nil, errx.With(ErrArgumentCollision, ": %s and %s", args[j], arg)
		}
		out = append(out, "-"+arg.name)
		if arg.value != "" {
			out = append(out, arg.value)
		}
	}
	return out, nil
}
