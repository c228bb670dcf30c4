package vm

import (
	"os"
	"runtime"
	"strings"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/command"
	"github.com/guestkit/guestkit/pkg/logging"
)

// SerialConsole is the kernel console parameter for the host
// architecture's default serial device.
func SerialConsole() string {
	switch runtime.GOARCH {
	case "arm64":
		return "console=ttyAMA0"
	case "s390x":
		return "console=ttysclp0"
	case "ppc64le":
		return "console=hvc0"
	default:
		return "console=ttyS0"
	}
}

// ApplianceCommandLine builds the kernel command line for the guest.
// The tokens are joined with single spaces and never quoted; callers
// may pack several parameters into the append string.
func ApplianceCommandLine(p *LaunchParams, rootUUID string) string {
	args := []string{
		// Force a kernel panic if the guest daemon exits.
		"panic=1",
		SerialConsole(),
		"edd=off",
		// Generous udev timeouts for heavily loaded hosts.
		"udevtimeout=6000",
		"udev.event-timeout=6000",
		"no_timer_check",
		"printk.time=1",
		"cgroup_disable=memory",
		"usbcore.nousb",
		"cryptomgr.notests",
		"tsc=reliable",
		// Don't scan all 8250 UARTs.
		"8250.nr_uarts=1",
	}

	if rootUUID != "" {
		args = append(args, "root=UUID="+rootUUID)
	}

	args = append(args, "selinux=0")

	if p.Verbose {
		args = append(args, "guestfs_verbose=1")
	} else {
		args = append(args, "quiet")
	}

	if term := os.Getenv("TERM"); validTerm(term) {
		args = append(args, "TERM="+term)
	} else {
		args = append(args, "TERM=linux")
	}

	if p.Append != "" {
		args = append(args, p.Append)
	}

	return strings.Join(args, " ")
}

// validTerm reports whether the TERM value is safe to pass on a
// kernel command line.
func validTerm(term string) bool {
	if term == "" {
		return false
	}
	for _, c := range term {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// RootUUID asks file(1) for the filesystem UUID of the appliance root
// image. The guest init uses it to find its root among the attached
// disks.
func RootUUID(emitter *logging.Emitter, image string) (string, error) {
	var uuid string

	cmd := command.New(command.Options{Emitter: emitter})
	defer cmd.Close()
	cmd.AddArg("file", "--", image)
	cmd.SetStdoutCallback(func(data []byte) {
		if uuid != "" {
			return
		}
		uuid = parseUUIDField(string(data))
	}, command.LineBuffered)

	status, err := cmd.Run()
	if err != nil {
		return "", errx.Wrap(ErrRootUUID, err)
	}
	if status != 0 {
		return "", errx.With(ErrRootUUID, ": %s", cmd.StatusString())
	}
	if uuid == "" {
		return "", errx.With(ErrRootUUID, ": no UUID in file output for %s", image)
	}
	return uuid, nil
}

func parseUUIDField(line string) string {
	const marker = "UUID="
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	rest := line[i+len(marker):]
	end := strings.IndexFunc(rest, func(c rune) bool {
		return !(c == '-' || (c >= '0' && c <= '9') ||
			(c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F'))
	})
	if end < 0 {
		return rest
	}
	return rest[:end]
}
