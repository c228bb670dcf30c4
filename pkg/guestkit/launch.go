package guestkit

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/appliance"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/protocol"
)

// Launch milestones, in twelfths. Values between the fixed points are
// never emitted.
const (
	progressClockStart     = 0
	progressApplianceBuilt = 3
	progressKernelUp       = 6
	progressInitRunning    = 9
	progressReady          = 12
	progressTotal          = 12
)

// Boot log substrings that advance the launch progress estimate.
// With the quiet kernel flag (the non-verbose default) the kernel
// banner never appears, so the kernelUp milestone is best-effort.
const (
	sentinelKernelUp    = "Linux version"
	sentinelInitRunning = "Starting /init script"
)

// progressThrottle suppresses launch progress until a launch has been
// running this long; fast launches stay silent.
const progressThrottle = 5 * time.Second

// Launch builds or locates the appliance, boots it under the selected
// backend and completes the daemon handshake. Legal only in CONFIG;
// exactly one launch is permitted per handle. On any failure the
// handle is rolled back to CONFIG with nothing left running.
func (h *Handle) Launch(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateNoHandle {
		return h.fail(api.ErrClosed)
	}
	if h.state != StateConfig {
		return h.fail(errx.Wrap(api.ErrWrongState, api.ErrAlreadyLaunched))
	}

	// Too many drives? One slot is reserved for the appliance disk.
	// Backends that cannot report a limit do not fail here.
	if limit, err := h.backend.MaxDisks(); err == nil && limit > 0 && len(h.drives)+1 > limit {
		return h.fail(errx.With(api.ErrTooManyDrives, ": the current backend only supports %d drives", limit))
	}

	h.launchTime = time.Now()
	h.sendLaunchProgress(progressClockStart)

	if err := h.makeTmpDirLocked(); err != nil {
		return h.fail(err)
	}

	if h.settings.Verbose {
		h.emitter.Trace("launch: backend=" + h.backendName)
		h.emitter.Trace("launch: tmpdir=" + h.tmpDir)
		h.emitter.Trace("launch: host: " + runtime.GOOS + " " + runtime.GOARCH)
	}

	if err := h.launchLocked(ctx); err != nil {
		h.rollbackLaunchLocked()
		return h.fail(h.launchFailedError(err))
	}
	return nil
}

func (h *Handle) launchLocked(ctx context.Context) error {
	// Locate or build the appliance.
	files, err := appliance.Locate(appliance.Options{
		Path:     h.settings.Path,
		CacheDir: h.settings.CacheDir,
		Verbose:  h.settings.Verbose,
		Emitter:  h.emitter,
	})
	if err != nil {
		return err
	}
	h.appliance = files
	h.sendLaunchProgress(progressApplianceBuilt)

	h.state = StateLaunching

	c, err := h.backend.Launch(ctx, h.launchParamsLocked())
	if err != nil {
		return err
	}
	h.conn = c

	// Wait for the daemon to connect, then for the launch handshake.
	if err := c.Accept(); err != nil {
		return err
	}
	if err := h.recvLaunchFlagLocked(); err != nil {
		return err
	}

	// The appliance disk occupies the last device slot; record it so
	// drive indexes line up with what the guest sees.
	if h.appliance.Image != "" {
		h.drives = append(h.drives, &api.Drive{
			Protocol: api.DriveProtocolFile,
			Path:     h.appliance.Image,
			ReadOnly: true,
			Label:    "appliance",
		})
	}

	h.sendLaunchProgress(progressReady)
	return nil
}

// recvLaunchFlagLocked reads frames until the launch flag arrives.
// The first real frame after accept must be the launch flag; anything
// else means the boot went wrong.
func (h *Handle) recvLaunchFlagLocked() error {
	size, _, err := h.recvMessageLocked()
	if err != nil {
		return err
	}
	if size != protocol.LaunchFlag {
		return errx.With(ErrProtocolDesync,
			": received message length 0x%x from daemon, expected the launch flag", size)
	}
	// The READY transition happened at the point of detection.
	if h.state != StateReady {
		return errx.With(ErrProtocolDesync, ": launch flag received but handle is %s", h.state)
	}
	return nil
}

// rollbackLaunchLocked undoes a partial launch so that no
// half-launched state is observable: the backend is shut down, the
// connection closed, and the state forced back to CONFIG.
func (h *Handle) rollbackLaunchLocked() {
	if h.state == StateConfig {
		return
	}
	_ = h.backend.Shutdown(false)
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.launchTime = time.Time{}
	h.state = StateConfig
}

// consoleLog receives raw appliance console output from the
// transport. It always forwards the bytes to the event stream, and
// while launching it also scans for the boot milestones.
func (h *Handle) consoleLog(buf []byte) {
	h.emitter.Appliance(string(buf))

	if h.state != StateLaunching {
		return
	}
	text := string(buf)
	if strings.Contains(text, sentinelKernelUp) {
		h.sendLaunchProgress(progressKernelUp)
	}
	if strings.Contains(text, sentinelInitRunning) {
		h.sendLaunchProgress(progressInitRunning)
	}
}

// sendLaunchProgress emits a synthetic progress event for a launch
// milestone, throttled so quick launches emit nothing.
func (h *Handle) sendLaunchProgress(perdozen uint64) {
	if h.launchTime.IsZero() || time.Since(h.launchTime) < progressThrottle {
		return
	}
	h.emitter.Progress(logging.ProgressData{
		Position: perdozen,
		Total:    progressTotal,
	})
}
