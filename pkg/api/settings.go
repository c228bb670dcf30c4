package api

import (
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/guestkit/guestkit/internal/errx"
)

const (
	DefaultMemoryMB = 1280
	DefaultCPUs     = 1
	// DefaultPath is the colon-separated search path for appliance
	// definitions when GUESTKIT_PATH is not set.
	DefaultPath = "/usr/local/lib/guestkit:/usr/lib/guestkit"
	// DefaultBackend is used when GUESTKIT_BACKEND is not set.
	DefaultBackend = "direct"
)

// Settings holds the environment-driven handle configuration. It is
// read once at handle creation (unless the caller disables environment
// parsing) and copied into the handle; later environment changes are
// not observed.
type Settings struct {
	Verbose bool
	Trace   bool
	// TmpDir overrides the per-handle scratch directory parent.
	TmpDir string
	// CacheDir overrides the UID-scoped appliance cache parent.
	CacheDir string
	// Path is the colon-separated appliance search path.
	Path string
	// Hypervisor is the qemu binary for the direct backend.
	Hypervisor string
	// Append is extra kernel command line text.
	Append   string
	MemoryMB int
	CPUs     int
	// Backend selects the backend, optionally with an argument
	// ("libvirt:qemu:///session").
	Backend string
	// BackendSettings are colon-separated name=value pairs; a bare
	// name means boolean true.
	BackendSettings []string
}

// DefaultSettings returns the built-in configuration with no
// environment applied.
func DefaultSettings() Settings {
	return Settings{
		Path:     DefaultPath,
		MemoryMB: DefaultMemoryMB,
		CPUs:     DefaultCPUs,
		Backend:  DefaultBackend,
	}
}

// SettingsFromEnv layers GUESTKIT_* environment variables over the
// defaults.
func SettingsFromEnv() (Settings, error) {
	s := DefaultSettings()

	v := viper.New()
	v.SetEnvPrefix("guestkit")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range []string{
		"trace", "debug", "tmpdir", "cachedir", "path",
		"hv", "append", "memsize", "smp", "backend", "backend_settings",
	} {
		// BindEnv never fails for a non-empty key.
		_ = v.BindEnv(key)
	}

	if v.IsSet("trace") {
		b, err := parseBool(v.GetString("trace"))
		if err != nil {
			return s, errx.With(ErrInvalidConfig, ": GUESTKIT_TRACE=%s: non-boolean value", v.GetString("trace"))
		}
		s.Trace = b
	}
	if v.IsSet("debug") {
		b, err := parseBool(v.GetString("debug"))
		if err != nil {
			return s, errx.With(ErrInvalidConfig, ": GUESTKIT_DEBUG=%s: non-boolean value", v.GetString("debug"))
		}
		s.Verbose = b
	}
	if v.IsSet("tmpdir") {
		s.TmpDir = v.GetString("tmpdir")
	}
	if v.IsSet("cachedir") {
		s.CacheDir = v.GetString("cachedir")
	}
	if v.IsSet("path") {
		s.Path = v.GetString("path")
	}
	if v.IsSet("hv") {
		s.Hypervisor = v.GetString("hv")
	}
	if v.IsSet("append") {
		s.Append = v.GetString("append")
	}
	if v.IsSet("memsize") {
		mb, err := ParseMemorySize(v.GetString("memsize"))
		if err != nil {
			return s, err
		}
		s.MemoryMB = mb
	}
	if v.IsSet("smp") {
		n := v.GetInt("smp")
		if n < 1 {
			return s, errx.With(ErrInvalidConfig, ": GUESTKIT_SMP=%s: not a positive integer", v.GetString("smp"))
		}
		s.CPUs = n
	}
	if v.IsSet("backend") {
		s.Backend = v.GetString("backend")
	}
	if v.IsSet("backend_settings") {
		s.BackendSettings = splitBackendSettings(v.GetString("backend_settings"))
	}

	return s, nil
}

// ParseMemorySize accepts either a plain number of megabytes or a
// human size ("768M", "2g") and returns megabytes.
func ParseMemorySize(str string) (int, error) {
	if n, err := units.RAMInBytes(str); err == nil {
		// A bare number is megabytes for compatibility; numbers with
		// a unit suffix are converted.
		if str == strings.TrimRight(str, "bBkKmMgGiI") {
			if n < 128 {
				return 0, errx.With(ErrInvalidConfig, ": memory size %q is too small", str)
			}
			return int(n), nil
		}
		mb := n / units.MiB
		if mb < 128 {
			return 0, errx.With(ErrInvalidConfig, ": memory size %q is too small", str)
		}
		return int(mb), nil
	}
	return 0, errx.With(ErrInvalidConfig, ": non-numeric value for memory size: %q", str)
}

func splitBackendSettings(str string) []string {
	var out []string
	for _, f := range strings.Split(str, ":") {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// BackendSetting returns the value of a name=value backend setting,
// or "1" for a bare name, or "" if the setting is absent.
func (s *Settings) BackendSetting(name string) string {
	for _, setting := range s.BackendSettings {
		if setting == name {
			return "1"
		}
		if v, ok := strings.CutPrefix(setting, name+"="); ok {
			return v
		}
	}
	return ""
}

// BackendSettingBool interprets a backend setting as a boolean.
// Absent settings are false.
func (s *Settings) BackendSettingBool(name string) (bool, error) {
	v := s.BackendSetting(name)
	if v == "" {
		return false, nil
	}
	return parseBool(v)
}

func parseBool(str string) (bool, error) {
	switch strings.ToLower(str) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off", "":
		return false, nil
	}
	return false, errx.With(ErrInvalidConfig, ": %q: non-boolean value", str)
}
