// Package libvirt runs the appliance as a transient libvirt domain.
// The guest daemon and console channels are Unix sockets that we
// create and listen on; qemu connects back to them when libvirt
// starts the domain.
package libvirt

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/conn"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/vm"
)

// Name is the selector under which this backend registers.
const Name = "libvirt"

const maxDisks = 255

// destroyPollInterval is how long to wait between destroy attempts
// while qemu is still releasing resources.
const destroyPollInterval = 50 * time.Millisecond

// Backend drives a libvirt daemon over its Unix socket RPC.
type Backend struct {
	mu sync.Mutex

	uri     string
	emitter *logging.Emitter

	lv      *golibvirt.Libvirt
	dom     golibvirt.Domain
	created bool

	guestSock   string
	consoleSock string
}

// Factory builds a libvirt backend. The selector argument is the
// connection URI ("libvirt:qemu:///session"); empty picks the libvirt
// default for the current user.
func Factory(arg string) vm.Backend {
	return &Backend{uri: arg}
}

func (b *Backend) CreateCOWOverlay(p *vm.LaunchParams, backing, backingFormat string) (string, error) {
	return vm.CreateQcow2Overlay(p, "qemu-img", backing, backingFormat)
}

// defaultURI picks qemu:///system for root and qemu:///session for
// everyone else, mirroring what virsh does without a URI.
func defaultURI() string {
	if os.Geteuid() == 0 {
		return "qemu:///system"
	}
	return "qemu:///session"
}

// socketPath maps a local qemu URI to the libvirtd Unix socket. A
// ?socket= query parameter overrides the well-known locations.
func socketPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errx.With(ErrConnect, ": parse URI %q: %w", uri, err)
	}
	if s := u.Query().Get("socket"); s != "" {
		return s, nil
	}
	if u.Host != "" {
		return "", errx.With(ErrConnect, ": remote URI %q is not supported", uri)
	}
	if strings.HasSuffix(u.Path, "/session") {
		dir := os.Getenv("XDG_RUNTIME_DIR")
		if dir == "" {
			dir = "/run/user/" + strconv.Itoa(os.Getuid())
		}
		return filepath.Join(dir, "libvirt", "libvirt-sock"), nil
	}
	return "/var/run/libvirt/libvirt-sock", nil
}

// connect dials libvirtd and performs the RPC handshake.
func (b *Backend) connect(uri string) error {
	path, err := socketPath(uri)
	if err != nil {
		return err
	}
	c, err := net.Dial("unix", path)
	if err != nil {
		return errx.With(ErrConnect, ": dial %q: %w", path, err)
	}
	lv := golibvirt.New(c)
	if err := lv.ConnectToURI(golibvirt.ConnectURI(uri)); err != nil {
		c.Close()
		return errx.With(ErrConnect, ": connect to %q: %w", uri, err)
	}
	b.lv = lv
	return nil
}

func (b *Backend) Launch(ctx context.Context, p *vm.LaunchParams) (conn.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitter = p.Emitter

	settings := api.Settings{BackendSettings: p.BackendSettings}
	forceKVM, err := settings.BackendSettingBool("force_kvm")
	if err != nil {
		return nil, errx.Wrap(ErrSettings, err)
	}
	forceTCG, err := settings.BackendSettingBool("force_tcg")
	if err != nil {
		return nil, errx.Wrap(ErrSettings, err)
	}
	if forceKVM && forceTCG {
		return nil, errx.With(ErrSettings, ": force_kvm and force_tcg cannot both be set")
	}

	uri := b.uri
	if uri == "" {
		uri = defaultURI()
	}
	p.Emitter.Trace("connect to libvirt uri: " + uri)
	if err := b.connect(uri); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			b.rollback()
		}
	}()

	capsXML, err := b.lv.Capabilities()
	if err != nil {
		return nil, errx.With(ErrCapabilities, ": %w", err)
	}
	_, seenKVM, err := parseCapabilities(string(capsXML), forceKVM)
	if err != nil {
		return nil, err
	}
	isKVM := seenKVM && !forceTCG

	virtType := "qemu"
	if isKVM {
		virtType = "kvm"
	}
	domCapsXML, err := b.lv.ConnectGetDomainCapabilities(nil, nil, nil,
		golibvirt.OptString{virtType}, 0)
	if err != nil {
		return nil, errx.With(ErrCapabilities, ": domain capabilities: %w", err)
	}
	emulator, firmwares, err := parseDomCapabilities(domCapsXML)
	if err != nil {
		return nil, err
	}

	// The guest daemon and console sockets exist before the domain so
	// qemu can connect to them during startup.
	b.guestSock = filepath.Join(p.SockDir, "guestfsd.sock")
	b.consoleSock = filepath.Join(p.SockDir, "console.sock")
	label := settings.BackendSetting("socket_label")
	setSocketCreateContext(p.Emitter, label)
	guestFd, err := createListener(p.Emitter, b.guestSock)
	if err != nil {
		clearSocketCreateContext(p.Emitter, label)
		return nil, err
	}
	consoleListenFd, err := createListener(p.Emitter, b.consoleSock)
	clearSocketCreateContext(p.Emitter, label)
	if err != nil {
		closeFd(guestFd)
		return nil, err
	}

	overlay, err := b.CreateCOWOverlay(p, p.Appliance.Image, "raw")
	if err != nil {
		closeFd(guestFd)
		closeFd(consoleListenFd)
		return nil, err
	}

	rootID, err := vm.RootUUID(p.Emitter, p.Appliance.Image)
	if err != nil {
		closeFd(guestFd)
		closeFd(consoleListenFd)
		return nil, err
	}

	cfg := &domainConfig{
		name:             "guestfs-" + uuid.NewString(),
		memoryMB:         p.MemoryMB,
		cpus:             p.CPUs,
		kernel:           p.Appliance.Kernel,
		initrd:           p.Appliance.Initrd,
		cmdline:          vm.ApplianceCommandLine(p, rootID),
		emulator:         emulator,
		isKVM:            isKVM,
		firmwareAuto:     wantFirmwareAuto(firmwares),
		guestSock:        b.guestSock,
		consoleSock:      b.consoleSock,
		applianceOverlay: overlay,
		drives:           p.Drives,
		hvParams:         p.HVParams,
		secrets:          newSecretRegistry(b.lv),
		emitter:          p.Emitter,
	}
	if p.HV != "" {
		cfg.emulator = p.HV
	}
	xml, err := buildDomainXML(cfg)
	if err != nil {
		closeFd(guestFd)
		closeFd(consoleListenFd)
		return nil, err
	}
	p.Emitter.Trace("libvirt XML:\n" + xml)

	dom, err := b.lv.DomainCreateXML(xml, golibvirt.DomainStartAutodestroy)
	if err != nil {
		closeFd(guestFd)
		closeFd(consoleListenFd)
		return nil, errx.With(ErrDomain, ": could not create appliance domain: %w", err)
	}
	b.dom = dom
	b.created = true
	p.Emitter.Trace("created domain " + cfg.name)

	// qemu connects the console almost immediately after create;
	// the listener is single-use and closed once accepted.
	consoleFd, err := acceptWithTimeout(ctx, consoleListenFd, conn.DefaultAcceptTimeout)
	closeFd(consoleListenFd)
	if err != nil {
		closeFd(guestFd)
		return nil, errx.Wrap(ErrConsole, err)
	}

	sock, err := conn.NewSocketListening(guestFd, consoleFd, conn.SocketOptions{
		Log:                 p.ConsoleLog,
		DrainConsoleOnClose: p.Verbose,
	})
	if err != nil {
		closeFd(guestFd)
		closeFd(consoleFd)
		return nil, err
	}
	ok = true
	return sock, nil
}

// Shutdown destroys the domain and disconnects from libvirtd. With
// checkForErrors set the domain is first asked to stop gracefully so
// cached data reaches the disks.
func (b *Backend) Shutdown(checkForErrors bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.created {
		firstErr = b.destroyDomain(checkForErrors)
		b.created = false
	}
	if b.lv != nil {
		if err := b.lv.Disconnect(); err != nil && firstErr == nil {
			firstErr = errx.With(ErrConnect, ": disconnect: %w", err)
		}
		b.lv = nil
	}
	if b.guestSock != "" {
		os.Remove(b.guestSock)
		os.Remove(b.consoleSock)
		b.guestSock = ""
		b.consoleSock = ""
	}
	return firstErr
}

// destroyDomain tears down the transient domain. While qemu is
// releasing device resources libvirt reports a transient EBUSY; that
// is retried for as long as it lasts, with a periodic warning so a
// wedged qemu is at least visible.
func (b *Backend) destroyDomain(graceful bool) error {
	flags := golibvirt.DomainDestroyFlagsValues(0)
	if graceful {
		flags = golibvirt.DomainDestroyGraceful
	}

	for attempt := 1; ; attempt++ {
		err := b.lv.DomainDestroyFlags(b.dom, flags)
		if err == nil || golibvirt.IsNotFound(err) {
			return nil
		}
		if !isTransientBusy(err) {
			return errx.With(ErrDestroy, ": %w", err)
		}
		if attempt%100 == 0 {
			b.emitter.Warning("domain destroy still busy after " +
				(time.Duration(attempt) * destroyPollInterval).String())
		}
		time.Sleep(destroyPollInterval)
	}
}

func isTransientBusy(err error) bool {
	var lverr golibvirt.Error
	if !errors.As(err, &lverr) {
		return false
	}
	return lverr.Code == uint32(golibvirt.ErrSystemError) &&
		strings.Contains(strings.ToLower(lverr.Message), "busy")
}

func (b *Backend) rollback() {
	if b.created {
		_ = b.destroyDomain(false)
		b.created = false
	}
	if b.lv != nil {
		_ = b.lv.Disconnect()
		b.lv = nil
	}
	if b.guestSock != "" {
		os.Remove(b.guestSock)
		os.Remove(b.consoleSock)
	}
}

// PID is not available: the qemu process belongs to libvirtd.
func (b *Backend) PID() (int, error) {
	return 0, errx.With(api.ErrNotSupported, ": the libvirt backend does not expose the hypervisor PID")
}

func (b *Backend) MaxDisks() (int, error) {
	return maxDisks, nil
}
