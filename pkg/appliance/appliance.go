// Package appliance locates or builds the small guest system that is
// booted inside the hypervisor. A colon-separated search path is
// scanned for one of three layouts: a builder skeleton (supermin.d/),
// a fixed prebuilt appliance (kernel, initrd, root), or an old-style
// kernel plus initramfs pair. Skeletons are built into a per-UID
// cache directory shared by all processes of the same user.
package appliance

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/command"
	"github.com/guestkit/guestkit/pkg/logging"
)

// builderProgram generates appliances from a skeleton directory.
const builderProgram = "supermin"

// Files names the artifacts to boot. Image is empty for an old-style
// appliance with no separate root filesystem.
type Files struct {
	Kernel string
	Initrd string
	Image  string
}

// Options configures the appliance search.
type Options struct {
	// Path is the colon-separated search path. An empty element or
	// "." means the current directory.
	Path string

	// CacheDir is where built appliances are cached, in a per-UID
	// subdirectory. Defaults to /var/tmp.
	CacheDir string

	// Verbose passes --verbose to the builder.
	Verbose bool

	// Emitter receives builder output and trace lines. May be nil.
	Emitter *logging.Emitter
}

// HostCPU returns the appliance architecture name for this host.
func HostCPU() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "ppc64le":
		return "ppc64le"
	case "s390x":
		return "s390x"
	default:
		return runtime.GOARCH
	}
}

func oldStyleKernelName() string { return "vmlinuz." + HostCPU() }
func oldStyleInitrdName() string { return "initramfs." + HostCPU() + ".img" }

// Locate finds or builds the appliance, checking each search path
// element in turn. For every element it tries, in order: a builder
// skeleton (which is built into the cache), a fixed appliance, an
// old-style appliance. The referenced files must not be deleted by
// the caller; they may be shared with other handles.
func Locate(opts Options) (*Files, error) {
	path := opts.Path

	for {
		var elem string
		if i := strings.IndexByte(path, ':'); i >= 0 {
			elem, path = path[:i], path[i+1:]
		} else {
			elem, path = path, ""
		}
		// Empty element means the current directory.
		if elem == "" {
			elem = "."
		}

		files, err := locateOrBuild(opts, elem)
		if err != nil {
			return nil, err
		}
		if files != nil {
			return files, nil
		}

		if path == "" {
			break
		}
	}

	return nil, errx.With(ErrNotFound, " (search path: %s)", opts.Path)
}

func locateOrBuild(opts Options, dir string) (*Files, error) {
	if dirContainsFiles(dir, "supermin.d/base.tar.gz", "supermin.d/packages") {
		return build(opts, dir)
	}

	if dirContainsFiles(dir, "README.fixed", "kernel", "initrd", "root") {
		return &Files{
			Kernel: filepath.Join(dir, "kernel"),
			Initrd: filepath.Join(dir, "initrd"),
			Image:  filepath.Join(dir, "root"),
		}, nil
	}

	if dirContainsFiles(dir, oldStyleKernelName(), oldStyleInitrdName()) {
		return &Files{
			Kernel: filepath.Join(dir, oldStyleKernelName()),
			Initrd: filepath.Join(dir, oldStyleInitrdName()),
		}, nil
	}

	return nil, nil
}

// build runs the appliance builder against the skeleton in dir,
// producing artifacts under the per-UID cache directory. Multiple
// processes of the same user may race here; a file lock serializes
// them and --if-newer makes redundant rebuilds cheap.
func build(opts Options, dir string) (*Files, error) {
	cacheDir, err := makeCacheDir(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	applianceDir := filepath.Join(cacheDir, "appliance.d")
	lockFile := filepath.Join(cacheDir, "lock")

	opts.Emitter.Trace("begin building appliance")

	lock := flock.New(lockFile)
	if err := lock.Lock(); err != nil {
		return nil, errx.With(ErrLock, ": %s: %w", lockFile, err)
	}
	defer lock.Unlock() //nolint:errcheck

	if err := runBuilder(opts, dir, lockFile, applianceDir); err != nil {
		return nil, err
	}

	opts.Emitter.Trace("finished building appliance")

	files := &Files{
		Kernel: filepath.Join(applianceDir, "kernel"),
		Initrd: filepath.Join(applianceDir, "initrd"),
		Image:  filepath.Join(applianceDir, "root"),
	}

	// Touch the artifacts so tmp reapers leave them alone.
	now := time.Now()
	for _, f := range []string{files.Kernel, files.Initrd, files.Image} {
		os.Chtimes(f, now, now) //nolint:errcheck
	}

	return files, nil
}

func runBuilder(opts Options, dir, lockFile, applianceDir string) error {
	cmd := command.New(command.Options{Emitter: opts.Emitter})
	defer cmd.Close()

	cmd.AddArg(builderProgram, "--build")
	if opts.Verbose {
		cmd.AddArg("--verbose")
	}
	cmd.AddArg("--if-newer")
	cmd.AddArg("--lock", lockFile)
	cmd.AddArg("--copy-kernel")
	cmd.AddArg("-f", "ext2")
	cmd.AddArg("--host-cpu", HostCPU())
	cmd.AddArg(filepath.Join(dir, "supermin.d"))
	cmd.AddArg("-o", applianceDir)

	status, err := cmd.Run()
	if err != nil {
		return errx.Wrap(ErrBuilder, err)
	}
	if status != 0 {
		return errx.With(ErrBuilder, ": %s", cmd.StatusString())
	}
	return nil
}

// makeCacheDir creates the per-UID cache directory and sanity-checks
// its permissions, in case it was pre-created maliciously or tampered
// with. The directory is shared between processes of the same user,
// not between users.
func makeCacheDir(base string) (string, error) {
	if base == "" {
		base = "/var/tmp"
	}
	uid := os.Geteuid()
	dir := filepath.Join(base, fmt.Sprintf(".guestkit-%d", uid))

	os.Mkdir(dir, 0o755) //nolint:errcheck
	os.Chmod(dir, 0o755) //nolint:errcheck

	var st syscall.Stat_t
	if err := syscall.Lstat(dir, &st); err != nil {
		return "", errx.With(ErrCacheDir, ": lstat: %s: %w", dir, err)
	}
	if int(st.Uid) != uid {
		return "", errx.With(ErrCacheInsecure, ": %s is not owned by UID %d", dir, uid)
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		return "", errx.With(ErrCacheInsecure, ": %s is not a directory (mode %o)", dir, st.Mode)
	}
	if st.Mode&0o022 != 0 {
		return "", errx.With(ErrCacheInsecure, ": %s is writable by group or other (mode %o)", dir, st.Mode)
	}

	now := time.Now()
	os.Chtimes(dir, now, now) //nolint:errcheck

	return dir, nil
}

func dirContainsFiles(dir string, files ...string) bool {
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}
