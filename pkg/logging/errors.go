package logging

import (
	"errors"

	"github.com/guestkit/guestkit/internal/errx"
)

var (
	ErrCreateLogFile = errors.New("logging: create log file")
	ErrWriteEvent    = errors.New("logging: write event")
	ErrMarshalData   = errors.New("logging: marshal event data")
	ErrCloseWriter   = errors.New("logging: close writer")
)

func errWriteEvent(cause error) error {
	return errx.Wrap(ErrWriteEvent, cause)
}
