package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/guestkit/guestkit/internal/errx"
)

// JSONLWriter appends events to a file as JSON lines. Appliance boot
// pushes console output through here in many small events, so writes
// go through a buffer and only Close syncs the file. It implements
// Sink and is safe for concurrent use.
type JSONLWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewJSONLWriter opens path for appending, creating it if needed. The
// parent directory must already exist.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	buf := bufio.NewWriter(f)
	return &JSONLWriter{
		file: f,
		buf:  buf,
		enc:  json.NewEncoder(buf),
	}, nil
}

// Write appends the event as one JSON line. The line may sit in the
// buffer until Close.
func (w *JSONLWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(event); err != nil {
		return errWriteEvent(err)
	}
	return nil
}

// Close flushes the buffer, syncs and closes the file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return errx.Wrap(ErrCloseWriter, err)
	}
	_ = w.file.Sync()
	if err := w.file.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
