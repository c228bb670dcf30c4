package guestkit

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/vm"
)

// AddDrive appends one disk source. CONFIG state only. A readonly
// drive gets a copy-on-write overlay here, at add time, so the
// original source is never opened for writing; the overlay lives in
// the handle scratch directory and disappears at Close.
func (h *Handle) AddDrive(drv api.Drive) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.configLocked("add-drive"); err != nil {
		return h.fail(err)
	}
	if err := drv.Validate(); err != nil {
		return h.fail(err)
	}
	if drv.ReadOnly && drv.Discard == api.DiscardEnable {
		return h.fail(errx.With(api.ErrInvalidConfig, ": discard=enable on a readonly drive makes no sense"))
	}

	if drv.ReadOnly {
		if err := h.makeTmpDirLocked(); err != nil {
			return h.fail(err)
		}
		overlay, err := h.backend.CreateCOWOverlay(h.launchParamsLocked(), drv.Path, drv.Format)
		if err != nil {
			return h.fail(err)
		}
		drv.Overlay = overlay
	}

	h.drives = append(h.drives, &drv)
	return nil
}

// AddDriveRO is AddDrive with the readonly flag set.
func (h *Handle) AddDriveRO(path string) error {
	return h.AddDrive(api.Drive{
		Protocol: api.DriveProtocolFile,
		Path:     path,
		ReadOnly: true,
	})
}

// AddDriveScratch adds a throwaway raw disk of the given size,
// created sparse in the handle scratch directory.
func (h *Handle) AddDriveScratch(size int64, label string) error {
	h.mu.Lock()
	if err := h.configLocked("add-drive-scratch"); err != nil {
		h.mu.Unlock()
		return h.fail(err)
	}
	if err := h.makeTmpDirLocked(); err != nil {
		h.mu.Unlock()
		return h.fail(err)
	}
	path := filepath.Join(h.tmpDir, "scratch"+strconv.Itoa(len(h.drives))+".img")
	f, err := os.Create(path)
	if err != nil {
		h.mu.Unlock()
		return h.fail(errx.With(api.ErrInvalidConfig, ": create scratch disk: %w", err))
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		h.mu.Unlock()
		return h.fail(errx.With(api.ErrInvalidConfig, ": size scratch disk: %w", err))
	}
	if err := f.Close(); err != nil {
		h.mu.Unlock()
		return h.fail(errx.With(api.ErrInvalidConfig, ": close scratch disk: %w", err))
	}
	h.mu.Unlock()

	return h.AddDrive(api.Drive{
		Protocol:  api.DriveProtocolFile,
		Path:      path,
		Format:    "raw",
		CacheMode: "unsafe",
		Label:     label,
	})
}

// NrDrives returns the number of configured drives.
func (h *Handle) NrDrives() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.drives)
}

// CheckpointDrives records the current drive count so a group of
// drives can be added provisionally and rolled back as one unit.
func (h *Handle) CheckpointDrives() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.drives)
}

// RollbackDrives truncates the drive list back to a checkpoint,
// discarding everything added since.
func (h *Handle) RollbackDrives(checkpoint int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if checkpoint < 0 || checkpoint > len(h.drives) {
		return
	}
	h.drives = h.drives[:checkpoint]
}

// makeTmpDirLocked creates the per-handle scratch and socket
// directories on first use. The socket directory is separate and kept
// short because Unix socket paths have a hard length limit.
func (h *Handle) makeTmpDirLocked() error {
	if h.tmpDir == "" {
		dir, err := os.MkdirTemp(h.settings.TmpDir, "guestkit-*")
		if err != nil {
			return errx.With(api.ErrInvalidConfig, ": create temporary directory: %w", err)
		}
		h.tmpDir = dir
	}
	if h.sockDir == "" {
		dir, err := os.MkdirTemp("/tmp", "gk*")
		if err != nil {
			return errx.With(api.ErrInvalidConfig, ": create socket directory: %w", err)
		}
		h.sockDir = dir
	}
	return nil
}

// launchParamsLocked snapshots the handle configuration for the
// backend.
func (h *Handle) launchParamsLocked() *vm.LaunchParams {
	return &vm.LaunchParams{
		Appliance:       h.appliance,
		Drives:          h.drives,
		MemoryMB:        h.settings.MemoryMB,
		CPUs:            h.settings.CPUs,
		HV:              h.settings.Hypervisor,
		Append:          h.settings.Append,
		HVParams:        h.hvParams,
		BackendSettings: h.settings.BackendSettings,
		TempDir:         h.tmpDir,
		SockDir:         h.sockDir,
		Verbose:         h.settings.Verbose,
		Emitter:         h.emitter,
		ConsoleLog:      h.consoleLog,
	}
}
