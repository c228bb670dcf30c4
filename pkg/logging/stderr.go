package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// TextSink writes events as human-readable lines to a writer,
// typically os.Stderr in verbose mode. It implements Sink and is safe
// for concurrent use.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink creates a text sink. The sink does not own the writer
// and Close does not close it.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (s *TextSink) Write(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch event.EventType {
	case EventAppliance:
		// Console output already has its own line structure.
		_, err = io.WriteString(s.w, event.Summary)
		if !strings.HasSuffix(event.Summary, "\n") {
			_, _ = io.WriteString(s.w, "\n")
		}
	default:
		_, err = fmt.Fprintf(s.w, "guestkit: [%s] %s %s\n",
			event.HandleID, event.EventType, event.Summary)
	}
	if err != nil {
		return errWriteEvent(err)
	}
	return nil
}

func (s *TextSink) Close() error { return nil }
