// Package direct runs the appliance under a qemu process spawned and
// supervised by this library, with no management daemon in between.
// The guest daemon socket is a Unix listener qemu connects a
// virtserialport to; the console is a socketpair wired to qemu's
// stdio via -serial stdio.
package direct

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/appliance"
	"github.com/guestkit/guestkit/pkg/command"
	"github.com/guestkit/guestkit/pkg/conn"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/vm"
)

// Name selects this backend.
const Name = "direct"

// channelName is the virtio-serial port name the guest daemon looks
// for. Fixed by the appliance.
const channelName = "org.libguestfs.channel.0"

// maxDisks is what one virtio-scsi controller addresses.
const maxDisks = 255

// Backend is the direct qemu backend.
type Backend struct {
	mu       sync.Mutex
	emitter  *logging.Emitter
	cmd      *command.Command
	pid      int
	sockPath string
	done     chan struct{}
}

// Factory builds a direct backend. The selector argument is ignored.
func Factory(arg string) vm.Backend {
	return &Backend{}
}

// CreateCOWOverlay creates a qcow2 overlay with qemu-img.
func (b *Backend) CreateCOWOverlay(p *vm.LaunchParams, backing, backingFormat string) (string, error) {
	return vm.CreateQcow2Overlay(p, "qemu-img", backing, backingFormat)
}

func defaultQemu() string {
	return "qemu-system-" + appliance.HostCPU()
}

// Launch boots qemu and returns a listening connection; the caller
// accepts the guest daemon on it and performs the handshake.
func (b *Backend) Launch(ctx context.Context, p *vm.LaunchParams) (c conn.Connection, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emitter = p.Emitter
	b.sockPath = filepath.Join(p.SockDir, "guestfsd.sock")

	acceptFd, err := listenUnix(b.sockPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			unix.Close(acceptFd)
			os.Remove(b.sockPath)
			b.sockPath = ""
		}
	}()

	// Console socketpair: one end becomes qemu's stdio, the other is
	// multiplexed with the daemon socket by the connection.
	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errx.With(ErrSocket, ": socketpair: %w", err)
	}
	consoleFd := sv[0]
	childConsole := os.NewFile(uintptr(sv[1]), "console")
	defer childConsole.Close()
	defer func() {
		if err != nil {
			unix.Close(consoleFd)
		}
	}()

	var uuid string
	if p.Appliance.Image != "" {
		uuid, err = vm.RootUUID(p.Emitter, p.Appliance.Image)
		if err != nil {
			return nil, err
		}
	}

	argStrings, err := b.buildArgs(p, uuid)
	if err != nil {
		return nil, err
	}

	qemu := p.HV
	if qemu == "" {
		qemu = defaultQemu()
	}

	cmd := command.New(command.Options{Emitter: p.Emitter, TempDir: p.TempDir})
	cmd.AddArg(qemu)
	cmd.AddArg(argStrings...)
	cmd.SetChildFiles(childConsole, childConsole)

	if err := cmd.Start(); err != nil {
		cmd.Close()
		return nil, errx.Wrap(vm.ErrLaunch, err)
	}

	b.cmd = cmd
	b.pid = cmd.PID()
	b.done = make(chan struct{})
	go b.reap(cmd, b.done)

	sock, err := conn.NewSocketListening(acceptFd, consoleFd, conn.SocketOptions{
		Log:                 p.ConsoleLog,
		DrainConsoleOnClose: p.Verbose,
	})
	if err != nil {
		b.shutdownLocked(false)
		return nil, err
	}
	return sock, nil
}

// reap waits for qemu to exit and reports it, so a guest that dies
// mid-call surfaces as an event rather than only as a hung socket.
func (b *Backend) reap(cmd *command.Command, done chan struct{}) {
	defer close(done)
	if _, err := cmd.Wait(); err != nil {
		return
	}
	b.emitter.Emit(logging.EventSubprocessQuit, cmd.StatusString(), //nolint:errcheck
		&logging.SubprocessQuitData{Backend: Name})
}

func (b *Backend) buildArgs(p *vm.LaunchParams, rootUUID string) ([]string, error) {
	args := []argument{
		uniqueArg("nodefaults"),
		uniqueArg("display", "none"),
		uniqueArg("machine", "accel=kvm:tcg"),
		uniqueArg("m", strconv.Itoa(p.MemoryMB)),
		uniqueArg("no-reboot"),
		uniqueArg("rtc", "driftfix=slew"),
		uniqueArg("kernel", p.Appliance.Kernel),
		uniqueArg("initrd", p.Appliance.Initrd),
	}
	if p.CPUs > 1 {
		args = append(args, uniqueArg("smp", strconv.Itoa(p.CPUs)))
	}

	// One SCSI controller for all drives, appliance included.
	args = append(args, repeatableArg("device", "virtio-scsi-pci", "id=scsi"))

	for i, drv := range p.Drives {
		driveArg, deviceArg := driveArgs(i, drv)
		args = append(args, driveArg, deviceArg)
	}

	if p.Appliance.Image != "" {
		args = append(args,
			repeatableArg("drive",
				"file="+p.Appliance.Image, "snapshot=on", "id=appliance",
				"cache=unsafe", "if=none", "format=raw"),
			repeatableArg("device", "scsi-hd", "drive=appliance"),
		)
	}

	// Console on stdio, daemon channel on the Unix listener.
	args = append(args,
		repeatableArg("device", "virtio-serial-pci"),
		uniqueArg("serial", "stdio"),
		repeatableArg("chardev", "socket", "path="+b.sockPath, "id=channel0"),
		repeatableArg("device", "virtserialport", "chardev=channel0", "name="+channelName),
		uniqueArg("append", vm.ApplianceCommandLine(p, rootUUID)),
	)

	for _, hp := range p.HVParams {
		name := hp.Param
		if len(name) > 0 && name[0] == '-' {
			name = name[1:]
		}
		if hp.Value == "" {
			args = append(args, repeatableArg(name))
		} else {
			args = append(args, repeatableArg(name, hp.Value))
		}
	}

	return buildArgStrings(args)
}

func driveArgs(index int, drv *api.Drive) (argument, argument) {
	id := fmt.Sprintf("hd%d", index)

	var parts []string
	if drv.Overlay != "" {
		parts = append(parts,
			"file="+drv.Overlay, "format=qcow2", "cache=unsafe")
	} else {
		parts = append(parts, "file="+drv.QemuURI())
		cache := drv.CacheMode
		if cache == "" {
			cache = "writeback"
		}
		parts = append(parts, "cache="+cache)
		if drv.Format != "" {
			parts = append(parts, "format="+drv.Format)
		}
		if drv.Discard == api.DiscardEnable {
			parts = append(parts, "discard=unmap")
		}
	}
	if drv.Label != "" {
		parts = append(parts, "serial="+drv.Label)
	}
	parts = append(parts, "id="+id, "if=none")

	deviceParts := []string{"scsi-hd", "drive=" + id}
	if drv.BlockSize > 0 {
		bs := strconv.Itoa(drv.BlockSize)
		deviceParts = append(deviceParts,
			"physical_block_size="+bs, "logical_block_size="+bs)
	}

	return repeatableArg("drive", parts...), repeatableArg("device", deviceParts...)
}

// Shutdown sends SIGTERM to qemu and reaps it. The daemon socket is
// unlinked afterwards.
func (b *Backend) Shutdown(checkForErrors bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdownLocked(checkForErrors)
}

func (b *Backend) shutdownLocked(checkForErrors bool) error {
	var ret error

	if b.cmd != nil {
		b.emitter.Trace(fmt.Sprintf("sending SIGTERM to process %d", b.pid))
		b.cmd.Signal(unix.SIGTERM) //nolint:errcheck
		<-b.done

		if checkForErrors {
			if st := b.cmd.State(); st != nil && !st.Success() {
				ret = errx.With(vm.ErrShutdown, ": %s", b.cmd.StatusString())
			}
		}
		b.cmd.Close()
		b.cmd = nil
		b.pid = 0
	}

	if b.sockPath != "" {
		os.Remove(b.sockPath) //nolint:errcheck
		b.sockPath = ""
	}
	return ret
}

// PID returns the qemu process ID.
func (b *Backend) PID() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pid == 0 {
		return 0, vm.ErrNotRunning
	}
	return b.pid, nil
}

// MaxDisks returns the virtio-scsi address space size.
func (b *Backend) MaxDisks() (int, error) {
	return maxDisks, nil
}

func listenUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errx.With(ErrSocket, ": socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, errx.With(ErrSocket, ": bind: %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, errx.With(ErrSocket, ": listen: %s: %w", path, err)
	}
	return fd, nil
}
