package command

import "errors"

var (
	// ErrNoCommand indicates no argv or shell string was added.
	ErrNoCommand = errors.New("no command has been added")

	// ErrMixedStyle indicates argv-style and shell-string-style
	// construction were mixed on the same command.
	ErrMixedStyle = errors.New("cannot mix argv and shell-string construction")

	// ErrAlreadyStarted indicates the subprocess is already running.
	ErrAlreadyStarted = errors.New("command already started")

	// ErrNotStarted indicates the subprocess has not been started.
	ErrNotStarted = errors.New("command not started")

	// ErrPipeConflict indicates an option that cannot be combined
	// with pipe execution, where stdout or stdin belongs to the
	// caller and errors go to a file.
	ErrPipeConflict = errors.New("option incompatible with pipe execution")

	// ErrBadPipeMode indicates a pipe mode other than "r" or "w".
	ErrBadPipeMode = errors.New("pipe mode must be \"r\" or \"w\"")

	// ErrStart indicates the subprocess could not be started.
	ErrStart = errors.New("failed to start command")

	// ErrWait indicates waiting for the subprocess failed.
	ErrWait = errors.New("failed to wait for command")

	// ErrOutput indicates reading subprocess output failed.
	ErrOutput = errors.New("failed to read command output")
)
