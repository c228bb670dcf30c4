package direct

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/appliance"
	"github.com/guestkit/guestkit/pkg/vm"
)

func TestBuildArgStrings(t *testing.T) {
	args := []argument{
		uniqueArg("nodefaults"),
		uniqueArg("m", "1280"),
		repeatableArg("device", "virtio-scsi-pci", "id=scsi"),
		repeatableArg("device", "scsi-hd", "drive=hd0"),
	}

	out, err := buildArgStrings(args)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-nodefaults",
		"-m", "1280",
		"-device", "virtio-scsi-pci,id=scsi",
		"-device", "scsi-hd,drive=hd0",
	}, out)
}

func TestBuildArgStringsCollision(t *testing.T) {
	tests := []struct {
		name string
		args []argument
		ok   bool
	}{
		{
			name: "duplicate unique flag",
			args: []argument{uniqueArg("m", "1280"), uniqueArg("m", "2048")},
			ok:   false,
		},
		{
			name: "identical repeatable values",
			args: []argument{
				repeatableArg("device", "sga"),
				repeatableArg("device", "sga"),
			},
			ok: false,
		},
		{
			name: "distinct repeatable values",
			args: []argument{
				repeatableArg("device", "sga"),
				repeatableArg("device", "virtio-rng-pci"),
			},
			ok: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildArgStrings(tt.args)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrArgumentCollision)
			}
		})
	}
}

func TestBuildArgsDrivesAndAppliance(t *testing.T) {
	b := &Backend{sockPath: "/tmp/sock/guestfsd.sock"}
	p := &vm.LaunchParams{
		Appliance: &appliance.Files{
			Kernel: "/cache/kernel",
			Initrd: "/cache/initrd",
			Image:  "/cache/root",
		},
		Drives: []*api.Drive{
			{Protocol: api.DriveProtocolFile, Path: "/imgs/disk.img", Format: "raw"},
			{Protocol: api.DriveProtocolFile, Path: "/imgs/ro.img", ReadOnly: true, Overlay: "/tmp/overlay.qcow2"},
		},
		MemoryMB: 1280,
		CPUs:     2,
	}

	out, err := b.buildArgs(p, "11111111-2222-3333-4444-555555555555")
	require.NoError(t, err)
	joined := strings.Join(out, " ")

	assert.Contains(t, joined, "-kernel /cache/kernel")
	assert.Contains(t, joined, "-initrd /cache/initrd")
	assert.Contains(t, joined, "-smp 2")
	assert.Contains(t, joined, "file=/imgs/disk.img,cache=writeback,format=raw,id=hd0,if=none")
	assert.Contains(t, joined, "file=/tmp/overlay.qcow2,format=qcow2,cache=unsafe,id=hd1,if=none")
	assert.Contains(t, joined, "file=/cache/root,snapshot=on,id=appliance")
	assert.Contains(t, joined, "path=/tmp/sock/guestfsd.sock,id=channel0")
	assert.Contains(t, joined, "name="+channelName)
}

func TestBuildArgsExtraParamCollision(t *testing.T) {
	b := &Backend{sockPath: "/tmp/guestfsd.sock"}
	p := &vm.LaunchParams{
		Appliance: &appliance.Files{Kernel: "k", Initrd: "i"},
		MemoryMB:  500,
		HVParams:  []vm.HVParam{{Param: "-m", Value: "9999"}},
	}

	_, err := b.buildArgs(p, "")
	assert.ErrorIs(t, err, ErrArgumentCollision)
}
