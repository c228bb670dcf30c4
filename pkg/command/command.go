// Package command runs external helper programs such as qemu,
// qemu-img and the appliance builder. It wraps os/exec with the
// plumbing the rest of this module needs: subprocess stderr routed
// into the log event stream, a stdout callback with selectable
// buffering, child resource limits and a popen-style pipe mode.
package command

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/logging"
)

// StdoutMode selects how stdout is buffered before the callback sees
// it.
type StdoutMode int

const (
	// LineBuffered calls the callback once per line with the trailing
	// newline removed. An unterminated final line is still delivered
	// when the stream closes.
	LineBuffered StdoutMode = iota

	// Unbuffered calls the callback with chunks as they arrive. The
	// buffer is reused between calls; copy it if you keep it.
	Unbuffered

	// WholeBuffer calls the callback exactly once with the complete
	// output, after the stream closes.
	WholeBuffer
)

// StdoutFunc receives subprocess stdout according to the StdoutMode.
type StdoutFunc func(data []byte)

// Rlimit is a resource limit applied to the child process, for
// helpers that could otherwise consume unbounded space or time.
type Rlimit struct {
	Resource int
	Limit    uint64
}

type style int

const (
	styleNone style = iota
	styleArgv
	styleShell
)

// Options configures a Command.
type Options struct {
	// Emitter receives captured subprocess stderr as appliance
	// events, plus trace lines when debugging. May be nil.
	Emitter *logging.Emitter

	// TempDir holds the error file used by pipe mode. Defaults to
	// the system temporary directory.
	TempDir string
}

// Command builds and runs one external command. Construct with New,
// add arguments with either AddArg or AddStringUnquoted/Quoted (the
// two styles cannot be mixed), then Run or PipeRun. Close releases
// all resources and reaps the child if it is still running.
type Command struct {
	emitter *logging.Emitter
	tempDir string

	style    style
	argv     []string
	script   strings.Builder
	buildErr error

	captureErrors  bool
	stderrToStdout bool
	stdoutFunc     StdoutFunc
	stdoutMode     StdoutMode
	rlimits        []Rlimit
	childStdin     *os.File
	childStdout    *os.File

	cmd       *exec.Cmd
	group     *errgroup.Group
	state     *os.ProcessState
	errorFile string
}

// New returns a command handle. Capturing subprocess stderr into the
// event stream is on by default.
func New(opts Options) *Command {
	return &Command{
		emitter:       opts.Emitter,
		tempDir:       opts.TempDir,
		captureErrors: true,
	}
}

// AddArg appends arguments for execv-style execution.
func (c *Command) AddArg(args ...string) {
	if c.style == styleShell {
		c.buildErr = ErrMixedStyle
		return
	}
	c.style = styleArgv
	c.argv = append(c.argv, args...)
}

// AddArgf appends a single printf-formatted argument.
func (c *Command) AddArgf(format string, a ...interface{}) {
	c.AddArg(fmt.Sprintf(format, a...))
}

// AddStringUnquoted appends raw text to a shell command string. The
// text is passed to the shell as-is, which is dangerous if it
// contains untrusted content; use AddStringQuoted for that.
func (c *Command) AddStringUnquoted(s string) {
	if c.style == styleArgv {
		c.buildErr = ErrMixedStyle
		return
	}
	c.style = styleShell
	c.script.WriteString(s)
}

// AddStringQuoted appends a single argument to a shell command
// string, quoted so the shell treats it as one word.
func (c *Command) AddStringQuoted(s string) {
	c.AddStringUnquoted(shellquote.Join(s))
}

// SetStdoutCallback arranges for fn to receive the subprocess stdout,
// buffered according to mode.
func (c *Command) SetStdoutCallback(fn StdoutFunc, mode StdoutMode) {
	c.stdoutFunc = fn
	c.stdoutMode = mode
}

// SetStderrToStdout sends subprocess stderr wherever stdout goes, the
// equivalent of appending 2>&1. Some programs, qemu among them, write
// output the caller wants on stderr.
func (c *Command) SetStderrToStdout() {
	c.stderrToStdout = true
}

// ClearCaptureErrors stops subprocess stderr from being captured into
// the event stream; it goes to this process's stderr instead.
func (c *Command) ClearCaptureErrors() {
	c.captureErrors = false
}

// SetChildRlimit adds a resource limit applied to the child after it
// starts. Resource is a unix.RLIMIT_* constant.
func (c *Command) SetChildRlimit(resource int, limit uint64) {
	c.rlimits = append(c.rlimits, Rlimit{Resource: resource, Limit: limit})
}

// SetChildFiles connects the child's stdin and stdout directly to the
// given files, bypassing output capture. qemu gets its serial console
// socketpair end this way. Either file may be nil. Cannot be combined
// with a stdout callback.
func (c *Command) SetChildFiles(stdin, stdout *os.File) {
	c.childStdin = stdin
	c.childStdout = stdout
}

func (c *Command) build() (*exec.Cmd, error) {
	if c.buildErr != nil {
		return nil, c.buildErr
	}
	switch c.style {
	case styleArgv:
		if len(c.argv) == 0 {
			return nil, ErrNoCommand
		}
		return exec.Command(c.argv[0], c.argv[1:]...), nil
	case styleShell:
		return exec.Command("/bin/sh", "-c", c.script.String()), nil
	}
	return nil, ErrNoCommand
}

// Name returns the short name of the program, for error messages.
func (c *Command) Name() string {
	if c.style == styleArgv && len(c.argv) > 0 {
		return filepath.Base(c.argv[0])
	}
	if fields := strings.Fields(c.script.String()); len(fields) > 0 {
		return fields[0]
	}
	return "command"
}

// Start forks the subprocess and begins draining its output. Helper
// output we parse must not be localized, so the child runs with
// LC_ALL=C.
func (c *Command) Start() error {
	if c.cmd != nil {
		return ErrAlreadyStarted
	}
	cmd, err := c.build()
	if err != nil {
		return err
	}

	c.group = &errgroup.Group{}
	var childEnds []*os.File

	if c.childStdin != nil {
		cmd.Stdin = c.childStdin
	}
	if c.childStdout != nil {
		if c.stdoutFunc != nil {
			return ErrPipeConflict
		}
		cmd.Stdout = c.childStdout
	}

	if c.stdoutFunc != nil {
		pr, pw, err := os.Pipe()
		if err != nil {
			return errx.With(ErrStart, ": pipe: %w", err)
		}
		cmd.Stdout = pw
		childEnds = append(childEnds, pw)
		c.group.Go(func() error {
			defer pr.Close()
			return c.consumeStdout(pr)
		})
	}

	if c.captureErrors {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			c.group.Wait() //nolint:errcheck
			return errx.With(ErrStart, ": pipe: %w", err)
		}
		cmd.Stderr = pw
		if c.stdoutFunc == nil && c.childStdout == nil {
			cmd.Stdout = pw
		}
		childEnds = append(childEnds, pw)
		c.group.Go(func() error {
			defer pr.Close()
			return c.drainErrors(pr)
		})
	}

	if c.stderrToStdout {
		cmd.Stderr = cmd.Stdout
	}

	cmd.Env = append(os.Environ(), "LC_ALL=C")
	c.debug(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(childEnds)
		c.group.Wait() //nolint:errcheck
		c.group = nil
		return errx.Wrap(ErrStart, err)
	}
	closeAll(childEnds)
	c.applyRlimits(cmd.Process.Pid)
	c.cmd = cmd
	return nil
}

// Wait drains any remaining output and reaps the subprocess. The
// returned int is the exit status; it is -1 when the child was killed
// by a signal, in which case StatusString describes what happened.
func (c *Command) Wait() (int, error) {
	if c.cmd == nil {
		return -1, ErrNotStarted
	}
	var drainErr error
	if c.group != nil {
		drainErr = c.group.Wait()
		c.group = nil
	}
	err := c.cmd.Wait()
	c.state = c.cmd.ProcessState
	c.cmd = nil
	if drainErr != nil {
		return -1, drainErr
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ProcessState.ExitCode(), nil
		}
		return -1, errx.Wrap(ErrWait, err)
	}
	return 0, nil
}

// Run starts the subprocess, loops over its output and waits for it
// to exit. See Wait for the meaning of the returned status.
func (c *Command) Run() (int, error) {
	if err := c.Start(); err != nil {
		return -1, err
	}
	return c.Wait()
}

// PipeRun starts the subprocess without waiting, roughly equivalent
// to popen. Mode "r" returns a pipe connected to the child's stdout;
// mode "w" returns one connected to its stdin. The caller closes the
// pipe, then calls Wait; if the child failed, PipeErrors returns what
// it printed on stderr.
func (c *Command) PipeRun(mode string) (*os.File, error) {
	if c.cmd != nil {
		return nil, ErrAlreadyStarted
	}
	if c.stdoutFunc != nil || c.stderrToStdout {
		return nil, ErrPipeConflict
	}
	if mode != "r" && mode != "w" {
		return nil, ErrBadPipeMode
	}
	cmd, err := c.build()
	if err != nil {
		return nil, err
	}

	// Stderr cannot be captured live here, so it goes to a file the
	// caller can read back after Wait.
	dir := c.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	errf, err := os.CreateTemp(dir, "cmderr*.txt")
	if err != nil {
		return nil, errx.With(ErrStart, ": error file: %w", err)
	}
	c.errorFile = errf.Name()
	cmd.Stderr = errf

	pr, pw, err := os.Pipe()
	if err != nil {
		errf.Close()
		return nil, errx.With(ErrStart, ": pipe: %w", err)
	}
	var ret, childEnd *os.File
	if mode == "r" {
		cmd.Stdout = pw
		ret, childEnd = pr, pw
	} else {
		cmd.Stdin = pr
		ret, childEnd = pw, pr
	}

	cmd.Env = append(os.Environ(), "LC_ALL=C")
	c.debug(cmd)

	if err := cmd.Start(); err != nil {
		errf.Close()
		pr.Close()
		pw.Close()
		return nil, errx.Wrap(ErrStart, err)
	}
	errf.Close()
	childEnd.Close()
	c.applyRlimits(cmd.Process.Pid)
	c.cmd = cmd
	return ret, nil
}

// PipeErrors returns what a PipeRun child printed on stderr, with
// trailing newlines trimmed.
func (c *Command) PipeErrors() (string, error) {
	if c.errorFile == "" {
		return "", ErrNotStarted
	}
	b, err := os.ReadFile(c.errorFile)
	if err != nil {
		return "", errx.Wrap(ErrOutput, err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// PID returns the process ID of the running child, or 0.
func (c *Command) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Signal sends sig to the running child.
func (c *Command) Signal(sig os.Signal) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return ErrNotStarted
	}
	return c.cmd.Process.Signal(sig)
}

// State returns the wait status of the exited child, or nil.
func (c *Command) State() *os.ProcessState {
	return c.state
}

// StatusString formats the child's exit status for error messages.
func (c *Command) StatusString() string {
	return ExitStatusString(c.Name(), c.state)
}

// Close kills and reaps the child if it is still running and removes
// the pipe-mode error file.
func (c *Command) Close() error {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill() //nolint:errcheck
		if c.group != nil {
			c.group.Wait() //nolint:errcheck
			c.group = nil
		}
		c.cmd.Wait() //nolint:errcheck
		c.state = c.cmd.ProcessState
		c.cmd = nil
	}
	if c.errorFile != "" {
		os.Remove(c.errorFile) //nolint:errcheck
		c.errorFile = ""
	}
	return nil
}

func (c *Command) debug(cmd *exec.Cmd) {
	c.emitter.Trace("command: run: " + shellquote.Join(cmd.Args...))
}

func (c *Command) applyRlimits(pid int) {
	for _, rl := range c.rlimits {
		lim := unix.Rlimit{Cur: rl.Limit, Max: rl.Limit}
		err := unix.Prlimit(pid, rl.Resource, &lim, nil)
		if err != nil && err != unix.EPERM {
			// EPERM means the existing limit is already tighter.
			c.emitter.Warning(fmt.Sprintf("setrlimit %d on pid %d: %v", rl.Resource, pid, err))
		}
	}
}

func (c *Command) drainErrors(r io.Reader) error {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.emitter.Appliance(string(buf[:n]))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errx.Wrap(ErrOutput, err)
		}
	}
}

func (c *Command) consumeStdout(r io.Reader) error {
	switch c.stdoutMode {
	case LineBuffered:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			c.stdoutFunc(sc.Bytes())
		}
		if err := sc.Err(); err != nil {
			return errx.Wrap(ErrOutput, err)
		}
		return nil

	case Unbuffered:
		buf := make([]byte, 8192)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				c.stdoutFunc(buf[:n])
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return errx.Wrap(ErrOutput, err)
			}
		}

	case WholeBuffer:
		b, err := io.ReadAll(r)
		if err != nil {
			return errx.Wrap(ErrOutput, err)
		}
		c.stdoutFunc(b)
		return nil
	}
	return nil
}

// ExitStatusString formats a wait status the way shells report it,
// naming the signal when the process was killed or stopped.
func ExitStatusString(name string, ps *os.ProcessState) string {
	if ps == nil {
		return name + ": no exit status"
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return fmt.Sprintf("%s: %s", name, ps.String())
	}
	switch {
	case ws.Exited() && ws.ExitStatus() == 0:
		return fmt.Sprintf("%s exited successfully", name)
	case ws.Exited():
		return fmt.Sprintf("%s exited with error status %d", name, ws.ExitStatus())
	case ws.Signaled():
		s := fmt.Sprintf("%s killed by signal %d (%s)",
			name, int(ws.Signal()), unix.SignalName(ws.Signal()))
		if ws.CoreDump() {
			s += " (core dumped)"
		}
		return s
	case ws.Stopped():
		return fmt.Sprintf("%s stopped by signal %d (%s)",
			name, int(ws.StopSignal()), unix.SignalName(ws.StopSignal()))
	}
	return fmt.Sprintf("%s exited for an unknown reason (status %d)", name, int(ws))
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
