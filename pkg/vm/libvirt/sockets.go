package libvirt

import (
	"context"
	"os"
	"os/user"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/logging"
)

// qemuGroup is the group the qemu process typically runs as under the
// system libvirt daemon. Sockets we create must be connectable by it.
const qemuGroup = "qemu"

// createListener creates a listening Unix domain socket at path. The
// libvirt-managed qemu process connects to it from the guest side, so
// when we run as root the socket is chowned to the qemu group and
// opened up to 0660. Failures to adjust ownership are reported but not
// fatal: on many distributions the group simply does not exist.
func createListener(emitter *logging.Emitter, path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errx.With(ErrSocket, ": socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, errx.With(ErrSocket, ": bind %q: %w", path, err)
	}

	if os.Geteuid() == 0 {
		if err := unix.Chmod(path, 0o660); err != nil {
			unix.Close(fd)
			os.Remove(path)
			return -1, errx.With(ErrSocket, ": chmod %q: %w", path, err)
		}
		if grp, err := user.LookupGroup(qemuGroup); err == nil {
			gid, aerr := strconv.Atoi(grp.Gid)
			if aerr == nil {
				if err := unix.Chown(path, 0, gid); err != nil {
					emitter.Warning("chown " + path + ": " + err.Error())
				}
			}
		} else {
			emitter.Trace("cannot find group " + qemuGroup)
		}
	}

	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return -1, errx.With(ErrSocket, ": listen %q: %w", path, err)
	}
	return fd, nil
}

// acceptWithTimeout waits for one connection on the listening fd and
// returns the connected fd. The wall-clock deadline covers the whole
// wait even across poll restarts.
func acceptWithTimeout(ctx context.Context, fd int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, errx.With(ErrConsole, ": timed out waiting for connection")
		}
		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(wait.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, errx.With(ErrConsole, ": poll: %w", err)
		}
		if n == 0 {
			continue
		}
		connFd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if err != nil {
			return -1, errx.With(ErrConsole, ": accept: %w", err)
		}
		return connFd, nil
	}
}

func closeFd(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

// sockcreatePath is where the thread's SELinux socket-creation context
// is set. Writing a label here makes every socket created afterwards
// carry that label until the bracket is cleared.
const sockcreatePath = "/proc/thread-self/attr/sockcreate"

// setSocketCreateContext labels future sockets created by this thread,
// matching an svirt-confined qemu. Only meaningful when the caller
// supplied a socket label in the backend settings; errors are reported
// as warnings because SELinux may be disabled or not present at all.
func setSocketCreateContext(emitter *logging.Emitter, label string) {
	if label == "" {
		return
	}
	if err := os.WriteFile(sockcreatePath, []byte(label), 0o644); err != nil {
		emitter.Warning("cannot set socket label to " + label + ": " + err.Error())
	}
}

// clearSocketCreateContext ends the labelling bracket opened by
// setSocketCreateContext.
func clearSocketCreateContext(emitter *logging.Emitter, label string) {
	if label == "" {
		return
	}
	if err := os.WriteFile(sockcreatePath, nil, 0o644); err != nil {
		emitter.Warning("cannot clear socket label: " + err.Error())
	}
}
