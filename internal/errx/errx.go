// Package errx provides small helpers for wrapping sentinel errors.
//
// Every package declares its failure modes as sentinel errors in an
// errors.go file and attaches causes or detail through these helpers, so
// callers can classify with errors.Is while still seeing the full chain.
package errx

import "fmt"

// Wrap attaches a cause to a sentinel error. Both ends of the chain
// match with errors.Is.
func Wrap(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends formatted detail to a sentinel error. The format string
// is appended verbatim, so it normally starts with ": ". %w verbs in
// the format wrap additional errors.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
