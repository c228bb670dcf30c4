package api

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/guestkit/guestkit/internal/errx"
)

// DriveProtocol selects how the hypervisor reaches a disk source.
type DriveProtocol string

const (
	// DriveProtocolFile is an ordinary local file or block device.
	DriveProtocolFile DriveProtocol = "file"
	// DriveProtocolNBD is a network block device export.
	DriveProtocolNBD DriveProtocol = "nbd"
	// DriveProtocolRBD is a Ceph RADOS block device.
	DriveProtocolRBD DriveProtocol = "rbd"
	// DriveProtocolISCSI is an iSCSI LUN.
	DriveProtocolISCSI DriveProtocol = "iscsi"
	// DriveProtocolSSH accesses a remote file over SFTP.
	DriveProtocolSSH DriveProtocol = "ssh"
)

// Discard is the discard (trim) policy for a drive.
type Discard string

const (
	DiscardDisable    Discard = "disable"
	DiscardEnable     Discard = "enable"
	DiscardBestEffort Discard = "besteffort"
)

// DriveServer is one server hosting a network drive source. Either
// Host (with optional Port) or SocketPath is set, never both.
type DriveServer struct {
	Host       string
	Port       int
	SocketPath string
}

var reHostPort = regexp.MustCompile(`^(.*):(\d+)$`)

// ParseDriveServer parses "host", "host:port" or "unix:/path" into a
// DriveServer.
func ParseDriveServer(s string) (DriveServer, error) {
	if path, ok := strings.CutPrefix(s, "unix:"); ok {
		if path == "" {
			return DriveServer{}, errx.With(ErrInvalidConfig, ": empty unix socket path in server %q", s)
		}
		return DriveServer{SocketPath: path}, nil
	}
	if m := reHostPort.FindStringSubmatch(s); m != nil {
		port, err := strconv.Atoi(m[2])
		if err != nil || port <= 0 || port > 65535 {
			return DriveServer{}, errx.With(ErrInvalidConfig, ": invalid port in server %q", s)
		}
		return DriveServer{Host: m[1], Port: port}, nil
	}
	if s == "" {
		return DriveServer{}, errx.With(ErrInvalidConfig, ": empty server name")
	}
	return DriveServer{Host: s}, nil
}

// Drive is one configured disk source plus its access policy. The
// zero value is not usable; construct drives through the handle's
// AddDrive so the readonly-overlay invariant holds.
type Drive struct {
	Protocol DriveProtocol
	// Path is the local path (file protocol) or export name (network
	// protocols).
	Path     string
	Servers  []DriveServer
	Username string
	Secret   string
	// Format of the source ("raw", "qcow2", ...). Empty means the
	// backend must autodetect it before use.
	Format   string
	ReadOnly bool
	// Name is the guest device name hint (e.g. "sda").
	Name      string
	Label     string
	CacheMode string
	Discard   Discard
	BlockSize int
	// Overlay is the path of the local copy-on-write layer protecting
	// a readonly source. Set by the backend at drive-add time; lives
	// in the handle temp dir and is reclaimed at handle close.
	Overlay string
}

// Validate checks drive invariants that do not need backend help.
func (d *Drive) Validate() error {
	switch d.Protocol {
	case DriveProtocolFile:
		if len(d.Servers) > 0 {
			return errx.With(ErrInvalidConfig, ": file protocol does not take servers")
		}
	case DriveProtocolNBD:
		if len(d.Servers) != 1 {
			return errx.With(ErrInvalidConfig, ": nbd protocol requires exactly one server")
		}
	case DriveProtocolRBD, DriveProtocolISCSI, DriveProtocolSSH:
		if len(d.Servers) == 0 {
			return errx.With(ErrInvalidConfig, ": %s protocol requires at least one server", d.Protocol)
		}
	default:
		return errx.With(ErrInvalidConfig, ": unknown drive protocol %q", d.Protocol)
	}
	if d.CacheMode != "" && d.CacheMode != "writeback" && d.CacheMode != "unsafe" {
		return errx.With(ErrInvalidConfig, ": cachemode must be writeback or unsafe")
	}
	if d.BlockSize != 0 && (d.BlockSize < 512 || d.BlockSize > 4096 || d.BlockSize&(d.BlockSize-1) != 0) {
		return errx.With(ErrInvalidConfig, ": blocksize must be a power of two between 512 and 4096")
	}
	switch d.Discard {
	case "", DiscardDisable, DiscardEnable, DiscardBestEffort:
	default:
		return errx.With(ErrInvalidConfig, ": unknown discard policy %q", d.Discard)
	}
	return nil
}

// EffectivePath is the path the hypervisor should open: the overlay
// when one protects the source, otherwise the source itself.
func (d *Drive) EffectivePath() string {
	if d.Overlay != "" {
		return d.Overlay
	}
	return d.Path
}

// QemuURI renders the drive source the way qemu block drivers address
// it, e.g. nbd:host:port or rbd:pool/disk.
func (d *Drive) QemuURI() string {
	switch d.Protocol {
	case DriveProtocolFile:
		return d.Path
	case DriveProtocolNBD:
		srv := d.Servers[0]
		if srv.SocketPath != "" {
			return "nbd:unix:" + srv.SocketPath
		}
		return "nbd:" + srv.Host + ":" + strconv.Itoa(srv.Port)
	default:
		var b strings.Builder
		b.WriteString(string(d.Protocol))
		b.WriteString(":")
		b.WriteString(d.Path)
		return b.String()
	}
}
