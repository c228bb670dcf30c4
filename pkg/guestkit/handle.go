// Package guestkit is the top of the library: the Handle owns the
// configured drives, the selected backend, the connection to the
// guest daemon and the launch state machine, and drives the RPC
// protocol for every operation.
//
// A handle moves CONFIG -> LAUNCHING -> READY exactly once; it is not
// relaunchable. Any fatal transport error rolls it back to CONFIG,
// and Close retires it permanently.
package guestkit

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/appliance"
	"github.com/guestkit/guestkit/pkg/conn"
	"github.com/guestkit/guestkit/pkg/logging"
	"github.com/guestkit/guestkit/pkg/protocol"
	"github.com/guestkit/guestkit/pkg/vm"
)

// State of a handle.
type State int

const (
	// StateConfig is the initial state: drives and parameters may be
	// changed, no appliance is running.
	StateConfig State = iota
	// StateLaunching covers the window between starting the backend
	// and receiving the launch handshake.
	StateLaunching
	// StateReady means the daemon is connected and accepting calls.
	StateReady
	// StateNoHandle is a closed handle; every operation fails.
	StateNoHandle
)

func (s State) String() string {
	switch s {
	case StateConfig:
		return "CONFIG"
	case StateLaunching:
		return "LAUNCHING"
	case StateReady:
		return "READY"
	case StateNoHandle:
		return "NO_HANDLE"
	}
	return "UNKNOWN"
}

// Handle is one appliance instance. All methods serialize on an
// internal mutex, so a handle may be shared across goroutines in the
// sense that calls take turns, never that they run in parallel.
type Handle struct {
	mu sync.Mutex

	id       string
	settings api.Settings
	state    State

	drives   []*api.Drive
	hvParams []vm.HVParam

	backendName string
	backendArg  string
	backend     vm.Backend

	conn       conn.Connection
	nextSerial uint32

	appliance *appliance.Files
	tmpDir    string
	sockDir   string

	launchTime time.Time

	emitter *logging.Emitter
	sinks   []logging.Sink

	// userCancel is checked cooperatively at chunk granularity during
	// file transfers. Guarded by cancelMu, not mu, so it can be set
	// from another goroutine while a transfer blocks inside mu.
	cancelMu   sync.Mutex
	userCancel bool

	// lastErr is guarded by errMu, not mu. The error callback runs
	// with mu held, and it must be able to call LastError.
	errMu       sync.Mutex
	lastErr     error
	errCallback func(error)
}

// New creates a handle configured from the GUESTKIT_* environment.
func New() (*Handle, error) {
	s, err := api.SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	return NewWithSettings(s)
}

// NewWithSettings creates a handle from explicit settings, ignoring
// the environment.
func NewWithSettings(s api.Settings) (*Handle, error) {
	h := &Handle{
		id:         uuid.NewString()[:8],
		settings:   s,
		state:      StateConfig,
		nextSerial: protocol.SerialOrigin,
	}

	if s.Verbose || s.Trace {
		h.sinks = append(h.sinks, logging.NewTextSink(os.Stderr))
	}
	h.emitter = logging.NewEmitter(logging.EmitterConfig{HandleID: h.id}, h.sinks...)

	if err := h.setBackendLocked(s.Backend); err != nil {
		return nil, err
	}
	return h, nil
}

// AddSink attaches an additional event sink, e.g. a JSONL log file.
func (h *Handle) AddSink(sink logging.Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, sink)
	h.emitter = logging.NewEmitter(logging.EmitterConfig{HandleID: h.id}, h.sinks...)
}

// SetErrorCallback registers a function invoked synchronously with
// every error after it has been recorded, so the callback may query
// LastError reentrantly.
func (h *Handle) SetErrorCallback(cb func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errCallback = cb
}

// LastError returns the most recently recorded error, or nil. Safe to
// call from inside the error callback.
func (h *Handle) LastError() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.lastErr
}

// fail records err as the handle's last error, fires the callback and
// returns err. Every public entry point routes its failures through
// here. lastErr is written before the callback runs.
func (h *Handle) fail(err error) error {
	h.errMu.Lock()
	h.lastErr = err
	h.errMu.Unlock()
	if h.errCallback != nil {
		h.errCallback(err)
	}
	return err
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) IsConfig() bool    { return h.State() == StateConfig }
func (h *Handle) IsLaunching() bool { return h.State() == StateLaunching }
func (h *Handle) IsReady() bool     { return h.State() == StateReady }

// SetBackend selects the backend by name, optionally with an argument
// ("libvirt:qemu:///session"). Legal only before launch; switching
// discards the previous backend instance and its private state.
func (h *Handle) SetBackend(selector string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.configLocked("set-backend"); err != nil {
		return h.fail(err)
	}
	return h.setBackendLocked(selector)
}

// configLocked gates operations that are only legal before launch.
// Closed handles report ErrClosed rather than a state mismatch.
func (h *Handle) configLocked(op string) error {
	if h.state == StateNoHandle {
		return api.ErrClosed
	}
	if h.state != StateConfig {
		return errx.With(api.ErrWrongState, ": %s needs state CONFIG, handle is %s", op, h.state)
	}
	return nil
}

func (h *Handle) setBackendLocked(selector string) error {
	b, err := vm.New(selector)
	if err != nil {
		return h.fail(err)
	}
	h.backendName, h.backendArg = vm.SplitSelector(selector)
	h.backend = b
	return nil
}

// Backend returns the selector the handle was configured with.
func (h *Handle) Backend() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backendArg == "" {
		return h.backendName
	}
	return h.backendName + ":" + h.backendArg
}

// SetMemoryMB changes the appliance memory size. CONFIG state only.
func (h *Handle) SetMemoryMB(mb int) error {
	return h.setConfig(func() error {
		if mb < 128 {
			return errx.With(api.ErrInvalidConfig, ": memory size %d MB is too small", mb)
		}
		h.settings.MemoryMB = mb
		return nil
	})
}

// SetCPUs changes the appliance vCPU count. CONFIG state only.
func (h *Handle) SetCPUs(n int) error {
	return h.setConfig(func() error {
		if n < 1 {
			return errx.With(api.ErrInvalidConfig, ": vCPU count must be at least 1")
		}
		h.settings.CPUs = n
		return nil
	})
}

// SetHV overrides the hypervisor binary. CONFIG state only.
func (h *Handle) SetHV(path string) error {
	return h.setConfig(func() error {
		h.settings.Hypervisor = path
		return nil
	})
}

// SetAppend adds extra guest kernel command line text. CONFIG only.
func (h *Handle) SetAppend(text string) error {
	return h.setConfig(func() error {
		h.settings.Append = text
		return nil
	})
}

// blockedParams are hypervisor flags the library itself relies on;
// overriding them would break the console and channel wiring.
var blockedParams = map[string]bool{
	"-kernel":      true,
	"-initrd":      true,
	"-nographic":   true,
	"-display":     true,
	"-serial":      true,
	"-full-screen": true,
	"-std-vga":     true,
	"-vnc":         true,
}

// Config adds an arbitrary extra hypervisor parameter. Value may be
// empty for bare flags. CONFIG state only.
func (h *Handle) Config(param, value string) error {
	return h.setConfig(func() error {
		if blockedParams[param] {
			return errx.With(ErrBlockedParam, ": %q", param)
		}
		h.hvParams = append(h.hvParams, vm.HVParam{Param: param, Value: value})
		return nil
	})
}

func (h *Handle) setConfig(apply func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.configLocked("configuration changes"); err != nil {
		return h.fail(err)
	}
	if err := apply(); err != nil {
		return h.fail(err)
	}
	return nil
}

// UserCancel requests cancellation of the file transfer in progress.
// Safe to call from any goroutine, including signal handlers.
func (h *Handle) UserCancel() {
	h.cancelMu.Lock()
	h.userCancel = true
	h.cancelMu.Unlock()
}

func (h *Handle) clearUserCancel() {
	h.cancelMu.Lock()
	h.userCancel = false
	h.cancelMu.Unlock()
}

func (h *Handle) userCancelled() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.userCancel
}

// MaxDisks returns the backend's disk-slot limit.
func (h *Handle) MaxDisks() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.backend.MaxDisks()
	if err != nil {
		return 0, h.fail(err)
	}
	return n, nil
}

// ConsoleFd exposes the appliance console descriptor for external
// viewers. Only valid after launch, and only on transports that keep
// a separate console socket.
func (h *Handle) ConsoleFd() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return 0, h.fail(errx.With(api.ErrNotLaunched, ": no console before launch"))
	}
	fd, err := h.conn.ConsoleFd()
	if err != nil {
		return 0, h.fail(err)
	}
	return fd, nil
}

// PID returns the hypervisor process ID for backends that expose it.
func (h *Handle) PID() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return 0, h.fail(errx.With(api.ErrNotLaunched, ": get-pid can only be called after launch"))
	}
	pid, err := h.backend.PID()
	if err != nil {
		return 0, h.fail(err)
	}
	return pid, nil
}

// Shutdown cleanly shuts the appliance down, checking for errors from
// the guest. The handle returns to CONFIG and may not be relaunched;
// create a new handle instead.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.shutdownLocked(true); err != nil {
		return h.fail(err)
	}
	return nil
}

// Close shuts down if needed, removes the per-handle scratch area and
// retires the handle. An already-set primary error is never clobbered
// by cleanup failures.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateNoHandle {
		return nil
	}
	err := h.shutdownLocked(false)
	if h.tmpDir != "" {
		os.RemoveAll(h.tmpDir)
		h.tmpDir = ""
	}
	if h.sockDir != "" {
		os.RemoveAll(h.sockDir)
		h.sockDir = ""
	}
	h.state = StateNoHandle
	if cerr := h.emitter.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// shutdownLocked stops the backend and drops the connection. The
// first error wins; later cleanup steps still run.
func (h *Handle) shutdownLocked(checkForErrors bool) error {
	if h.state == StateConfig || h.state == StateNoHandle {
		return nil
	}

	var firstErr error
	if err := h.backend.Shutdown(checkForErrors); err != nil {
		firstErr = err
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.conn = nil
	}
	h.drives = nil
	h.state = StateConfig
	return firstErr
}

// childCleanup is called when the appliance dies under us: shut the
// backend down without error checking, drop the connection and the
// drives, and roll back to CONFIG.
func (h *Handle) childCleanup() {
	_ = h.backend.Shutdown(false)
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.launchTime = time.Time{}
	h.drives = nil
	h.state = StateConfig
	_ = h.emitter.Emit(logging.EventSubprocessQuit, "appliance died",
		&logging.SubprocessQuitData{Backend: h.backendName})
}

// unexpectedCloseError builds the "appliance closed the connection"
// error. Terse mode appends the fixed debugging advice.
func (h *Handle) unexpectedCloseError() error {
	if h.settings.Verbose {
		return errx.With(ErrUnexpectedClose, ", see earlier error messages")
	}
	return errx.With(ErrUnexpectedClose,
		".\nThis usually means the appliance crashed.\n%s", debugAdvice)
}

// launchFailedError wraps err in the standard launch failure text.
func (h *Handle) launchFailedError(err error) error {
	if h.settings.Verbose {
		return errx.With(ErrLaunchFailed, ", see earlier error messages: %w", err)
	}
	return errx.With(ErrLaunchFailed,
		".\nThis usually means the appliance failed to start or crashed.\n%s\ncause: %w",
		debugAdvice, err)
}
