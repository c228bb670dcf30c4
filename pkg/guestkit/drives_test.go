package guestkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/api"
)

func TestAddDrive(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})

	require.NoError(t, h.AddDrive(api.Drive{
		Protocol: api.DriveProtocolFile,
		Path:     "/var/tmp/disk.img",
		Format:   "qcow2",
	}))
	assert.Equal(t, 1, h.NrDrives())
}

func TestAddDriveValidates(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})

	err := h.AddDrive(api.Drive{Protocol: "floppy", Path: "/x"})
	require.ErrorIs(t, err, api.ErrInvalidConfig)
	assert.Zero(t, h.NrDrives())
}

func TestAddDriveRejectedAfterLaunch(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})
	h.state = StateReady

	err := h.AddDrive(api.Drive{Protocol: api.DriveProtocolFile, Path: "/x"})
	assert.ErrorIs(t, err, api.ErrWrongState)

	h.state = StateConfig
}

func TestAddDriveReadOnlyGetsOverlay(t *testing.T) {
	be := &fakeBackend{}
	h, _ := newTestHandle(t, be)

	require.NoError(t, h.AddDriveRO("/images/base.qcow2"))

	require.Len(t, be.overlays, 1)
	require.Equal(t, 1, h.NrDrives())
	drv := h.drives[0]
	assert.True(t, drv.ReadOnly)
	assert.Equal(t, be.overlays[0], drv.Overlay)
	// The hypervisor must open the overlay, never the source.
	assert.Equal(t, drv.Overlay, drv.EffectivePath())
}

func TestAddDriveReadOnlyDiscardEnable(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})

	err := h.AddDrive(api.Drive{
		Protocol: api.DriveProtocolFile,
		Path:     "/images/base.qcow2",
		ReadOnly: true,
		Discard:  api.DiscardEnable,
	})
	require.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestAddDriveScratch(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})

	const size = 4 * 1024 * 1024
	require.NoError(t, h.AddDriveScratch(size, "scratch1"))

	require.Equal(t, 1, h.NrDrives())
	drv := h.drives[0]
	assert.Equal(t, "raw", drv.Format)
	assert.Equal(t, "unsafe", drv.CacheMode)
	assert.Equal(t, "scratch1", drv.Label)
	assert.False(t, drv.ReadOnly)

	fi, err := os.Stat(drv.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(size), fi.Size())
	assert.Equal(t, h.tmpDir, filepath.Dir(drv.Path))
}

func TestCheckpointAndRollbackDrives(t *testing.T) {
	h, _ := newTestHandle(t, &fakeBackend{})

	require.NoError(t, h.AddDriveScratch(1024*1024, "keep"))
	cp := h.CheckpointDrives()
	assert.Equal(t, 1, cp)

	require.NoError(t, h.AddDriveScratch(1024*1024, "drop1"))
	require.NoError(t, h.AddDriveScratch(1024*1024, "drop2"))
	require.Equal(t, 3, h.NrDrives())

	h.RollbackDrives(cp)
	require.Equal(t, 1, h.NrDrives())
	assert.Equal(t, "keep", h.drives[0].Label)

	// Out-of-range checkpoints are ignored.
	h.RollbackDrives(-1)
	h.RollbackDrives(99)
	assert.Equal(t, 1, h.NrDrives())
}
