package libvirt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/vm"
)

func testDomainConfig() *domainConfig {
	return &domainConfig{
		name:             "guestfs-test",
		memoryMB:         1280,
		cpus:             2,
		kernel:           "/cache/kernel",
		initrd:           "/cache/initrd",
		cmdline:          "panic=1 console=ttyS0",
		emulator:         "/usr/bin/qemu-system-x86_64",
		isKVM:            true,
		guestSock:        "/tmp/sock/guestfsd.sock",
		consoleSock:      "/tmp/sock/console.sock",
		applianceOverlay: "/tmp/overlay.qcow2",
	}
}

func TestBuildDomainXML(t *testing.T) {
	cfg := testDomainConfig()
	cfg.drives = []*api.Drive{
		{Protocol: api.DriveProtocolFile, Path: "/imgs/disk.img", Format: "raw", Label: "data"},
	}

	xml, err := buildDomainXML(cfg)
	require.NoError(t, err)

	assert.Contains(t, xml, `type="kvm"`)
	assert.Contains(t, xml, "<name>guestfs-test</name>")
	assert.Contains(t, xml, "<kernel>/cache/kernel</kernel>")
	assert.Contains(t, xml, "<initrd>/cache/initrd</initrd>")
	assert.Contains(t, xml, "<cmdline>panic=1 console=ttyS0</cmdline>")
	assert.Contains(t, xml, `<on_reboot>destroy</on_reboot>`)
	assert.Contains(t, xml, `mode="host-passthrough"`)
	assert.Contains(t, xml, `model="virtio-scsi"`)
	assert.Contains(t, xml, `file="/imgs/disk.img"`)
	assert.Contains(t, xml, `<serial>data</serial>`)
	assert.Contains(t, xml, `dev="sda"`)
	// Appliance overlay rides behind the user drives.
	assert.Contains(t, xml, `file="/tmp/overlay.qcow2"`)
	assert.Contains(t, xml, `dev="sdb"`)
	assert.Contains(t, xml, `path="/tmp/sock/guestfsd.sock"`)
	assert.Contains(t, xml, `path="/tmp/sock/console.sock"`)
	assert.Contains(t, xml, channelName)
	assert.Contains(t, xml, `model="none"`)
}

func TestBuildDomainXMLTCG(t *testing.T) {
	cfg := testDomainConfig()
	cfg.isKVM = false

	xml, err := buildDomainXML(cfg)
	require.NoError(t, err)

	assert.Contains(t, xml, `type="qemu"`)
	assert.NotContains(t, xml, "host-passthrough")
}

func TestBuildDomainXMLNetworkDrive(t *testing.T) {
	cfg := testDomainConfig()
	cfg.drives = []*api.Drive{
		{
			Protocol: api.DriveProtocolRBD,
			Path:     "pool/disk",
			Format:   "raw",
			Servers: []api.DriveServer{
				{Host: "ceph1.example.com", Port: 6789},
				{SocketPath: "/run/ceph.sock"},
			},
		},
	}

	xml, err := buildDomainXML(cfg)
	require.NoError(t, err)

	assert.Contains(t, xml, `protocol="rbd"`)
	assert.Contains(t, xml, `name="pool/disk"`)
	assert.Contains(t, xml, `name="ceph1.example.com"`)
	assert.Contains(t, xml, `port="6789"`)
	assert.Contains(t, xml, `transport="unix"`)
	assert.Contains(t, xml, `socket="/run/ceph.sock"`)
}

func TestBuildDomainXMLFormatRequired(t *testing.T) {
	cfg := testDomainConfig()
	cfg.drives = []*api.Drive{
		{Protocol: api.DriveProtocolFile, Path: "/imgs/mystery.img"},
	}

	_, err := buildDomainXML(cfg)
	require.ErrorIs(t, err, ErrDomain)
	assert.Contains(t, err.Error(), "specify it explicitly")
}

func TestBuildDomainXMLOverlayDrive(t *testing.T) {
	cfg := testDomainConfig()
	cfg.drives = []*api.Drive{
		{
			Protocol: api.DriveProtocolFile,
			Path:     "/imgs/ro.img",
			ReadOnly: true,
			Overlay:  "/tmp/ro-overlay.qcow2",
		},
	}

	xml, err := buildDomainXML(cfg)
	require.NoError(t, err)

	assert.Contains(t, xml, `file="/tmp/ro-overlay.qcow2"`)
	assert.NotContains(t, xml, "/imgs/ro.img")
	assert.Contains(t, xml, `cache="unsafe"`)
}

func TestBuildDomainXMLExtraArgs(t *testing.T) {
	cfg := testDomainConfig()
	cfg.hvParams = []vm.HVParam{
		{Param: "-set", Value: "device.scsi.iothread=io1"},
		{Param: "-no-hpet"},
	}

	xml, err := buildDomainXML(cfg)
	require.NoError(t, err)

	assert.Contains(t, xml, `value="-set"`)
	assert.Contains(t, xml, `value="device.scsi.iothread=io1"`)
	assert.Contains(t, xml, `value="-no-hpet"`)
}

func TestDiskName(t *testing.T) {
	tests := []struct {
		index int
		want  string
	}{
		{0, "sda"},
		{1, "sdb"},
		{25, "sdz"},
		{26, "sdaa"},
		{27, "sdab"},
		{26*2 + 3, "sdbd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, diskName(tt.index))
	}
}

func TestAuthType(t *testing.T) {
	assert.Equal(t, "ceph", authType(api.DriveProtocolRBD))
	assert.Equal(t, "iscsi", authType(api.DriveProtocolISCSI))
	assert.Equal(t, "volume", authType(api.DriveProtocolNBD))
}
