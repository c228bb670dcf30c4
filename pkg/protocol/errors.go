package protocol

import "errors"

var (
	ErrTruncated    = errors.New("protocol: truncated message")
	ErrOversized    = errors.New("protocol: message exceeds maximum size")
	ErrBadProgram   = errors.New("protocol: message for wrong program")
	ErrBadVersion   = errors.New("protocol: protocol version mismatch")
	ErrBadDirection = errors.New("protocol: unexpected message direction")
)
