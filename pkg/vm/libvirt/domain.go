package libvirt

import (
	"strconv"

	"libvirt.org/go/libvirtxml"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/appliance"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/vm"
)

// channelName is the virtio-serial port the guest daemon connects to.
const channelName = "org.libguestfs.channel.0"

// domainConfig gathers everything buildDomainXML needs. It is filled
// in by Launch after the overlays, sockets and secrets exist.
type domainConfig struct {
	name             string
	memoryMB         int
	cpus             int
	kernel           string
	initrd           string
	cmdline          string
	emulator         string
	isKVM            bool
	firmwareAuto     bool
	guestSock        string
	consoleSock      string
	applianceOverlay string
	drives           []*api.Drive
	hvParams         []vm.HVParam
	secrets          *secretRegistry
	emitter          *logging.Emitter
}

// buildDomainXML renders the transient domain definition. The guest
// daemon socket and console socket must already be listening; qemu
// connects to both at startup.
func buildDomainXML(cfg *domainConfig) (string, error) {
	domType := "qemu"
	if cfg.isKVM {
		domType = "kvm"
	}

	dom := libvirtxml.Domain{
		Type: domType,
		Name: cfg.name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.memoryMB),
			Unit:  "MiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: uint(cfg.memoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Value: uint(cfg.cpus)},
		OS: &libvirtxml.DomainOS{
			Type:    &libvirtxml.DomainOSType{Type: "hvm"},
			Kernel:  cfg.kernel,
			Initrd:  cfg.initrd,
			Cmdline: cfg.cmdline,
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnReboot: "destroy",
		OnCrash:  "destroy",
	}
	if cfg.firmwareAuto {
		dom.OS.Firmware = "efi"
	}
	if cfg.isKVM {
		dom.CPU = &libvirtxml.DomainCPU{Mode: "host-passthrough", Check: "none"}
	}

	devices := &libvirtxml.DomainDeviceList{
		Emulator: cfg.emulator,
		Controllers: []libvirtxml.DomainController{
			{Type: "scsi", Index: uintPtr(0), Model: "virtio-scsi"},
		},
		MemBalloon: &libvirtxml.DomainMemBalloon{Model: "none"},
		RNGs: []libvirtxml.DomainRNG{
			{
				Model: "virtio",
				Backend: &libvirtxml.DomainRNGBackend{
					Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
				},
			},
		},
		Consoles: []libvirtxml.DomainConsole{
			{
				Source: &libvirtxml.DomainChardevSource{
					UNIX: &libvirtxml.DomainChardevSourceUNIX{
						Mode: "connect",
						Path: cfg.consoleSock,
					},
				},
				Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: uintPtr(0)},
			},
		},
		Channels: []libvirtxml.DomainChannel{
			{
				Source: &libvirtxml.DomainChardevSource{
					UNIX: &libvirtxml.DomainChardevSourceUNIX{
						Mode: "connect",
						Path: cfg.guestSock,
					},
				},
				Target: &libvirtxml.DomainChannelTarget{
					VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: channelName},
				},
			},
		},
	}

	for i, drv := range cfg.drives {
		disk, err := diskElement(cfg, i, drv)
		if err != nil {
			return "", err
		}
		devices.Disks = append(devices.Disks, *disk)
	}

	// The appliance root goes last, always behind a throwaway overlay.
	devices.Disks = append(devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "qcow2",
			Cache: "unsafe",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: cfg.applianceOverlay},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: diskName(len(cfg.drives)),
			Bus: "scsi",
		},
	})

	if len(cfg.hvParams) > 0 {
		qemuArgs := &libvirtxml.DomainQEMUCommandline{}
		for _, hv := range cfg.hvParams {
			qemuArgs.Args = append(qemuArgs.Args,
				libvirtxml.DomainQEMUCommandlineArg{Value: hv.Param})
			if hv.Value != "" {
				qemuArgs.Args = append(qemuArgs.Args,
					libvirtxml.DomainQEMUCommandlineArg{Value: hv.Value})
			}
		}
		dom.QEMUCommandline = qemuArgs
	}

	dom.Devices = devices

	xml, err := dom.Marshal()
	if err != nil {
		return "", errx.With(ErrDomain, ": %w", err)
	}
	return xml, nil
}

// diskElement renders one user drive. Drives behind an overlay are
// plain local qcow2 files; everything else keeps its real source,
// which for network protocols means host and auth sub-elements.
func diskElement(cfg *domainConfig, index int, drv *api.Drive) (*libvirtxml.DomainDisk, error) {
	disk := &libvirtxml.DomainDisk{
		Device: "disk",
		Target: &libvirtxml.DomainDiskTarget{
			Dev: diskName(index),
			Bus: "scsi",
		},
		Serial: drv.Label,
	}
	if drv.BlockSize != 0 {
		disk.BlockIO = &libvirtxml.DomainDiskBlockIO{
			LogicalBlockSize:  uint(drv.BlockSize),
			PhysicalBlockSize: uint(drv.BlockSize),
		}
	}

	if drv.Overlay != "" {
		disk.Driver = &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "qcow2",
			Cache: "unsafe",
		}
		disk.Source = &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: drv.Overlay},
		}
		return disk, nil
	}

	if drv.Format == "" {
		return nil, errx.With(ErrDomain,
			": drive %s: could not auto detect the format, you must specify it explicitly",
			drv.Path)
	}

	cache := drv.CacheMode
	if cache == "" {
		cache = "writeback"
	}
	driver := &libvirtxml.DomainDiskDriver{
		Name:  "qemu",
		Type:  drv.Format,
		Cache: cache,
	}
	if drv.Discard == api.DiscardEnable || drv.Discard == api.DiscardBestEffort {
		driver.Discard = "unmap"
	}
	disk.Driver = driver

	if drv.Protocol == api.DriveProtocolFile {
		disk.Source = &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: drv.Path},
		}
		return disk, nil
	}

	network := &libvirtxml.DomainDiskSourceNetwork{
		Protocol: string(drv.Protocol),
		Name:     drv.Path,
	}
	for _, srv := range drv.Servers {
		host := libvirtxml.DomainDiskSourceHost{}
		if srv.SocketPath != "" {
			host.Transport = "unix"
			host.Socket = srv.SocketPath
		} else {
			host.Name = srv.Host
			if srv.Port != 0 {
				host.Port = strconv.Itoa(srv.Port)
			}
		}
		network.Hosts = append(network.Hosts, host)
	}
	disk.Source = &libvirtxml.DomainDiskSource{Network: network}

	if drv.Username != "" {
		id, err := cfg.secrets.uuidFor(cfg.emitter, drv)
		if err != nil {
			return nil, err
		}
		auth := &libvirtxml.DomainDiskAuth{Username: drv.Username}
		if id != "" {
			auth.Secret = &libvirtxml.DomainDiskSecret{
				Type: authType(drv.Protocol),
				UUID: id,
			}
		}
		disk.Auth = auth
	}
	return disk, nil
}

// diskName is the guest device name for drive index i: sda, sdb, ...
// sdz, sdaa and so on.
func diskName(i int) string {
	name := ""
	for i >= 0 {
		name = string(rune('a'+i%26)) + name
		i = i/26 - 1
	}
	return "sd" + name
}

func uintPtr(v uint) *uint { return &v }

// wantFirmwareAuto reports whether to let libvirt pick the firmware.
// Only done where BIOS boot is not an option and the driver actually
// advertises autoselection.
func wantFirmwareAuto(firmwares []string) bool {
	return appliance.HostCPU() == "aarch64" && supportsFirmware(firmwares, "efi")
}
