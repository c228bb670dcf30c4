package logging

import (
	"encoding/json"
	"time"

	"github.com/guestkit/guestkit/internal/errx"
)

// EmitterConfig holds the static metadata configured at handle
// creation. All fields are stamped onto every event automatically.
type EmitterConfig struct {
	HandleID string // handle identifier, always set
	Program  string // program name for event consumers
}

// Emitter constructs events and dispatches them to one or more sinks.
//
// A nil *Emitter is safe to hold; all methods on it are no-ops, so
// event emission can be best-effort at every call site.
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
}

// NewEmitter creates an emitter with the given configuration and sinks.
func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	return &Emitter{
		config: cfg,
		sinks:  sinks,
	}
}

// Emit constructs an event with the emitter's static metadata and
// writes it to all registered sinks. data may be nil for no payload.
// Returns the first error encountered; callers normally discard it.
func (e *Emitter) Emit(eventType, summary string, data interface{}) error {
	if e == nil {
		return nil
	}
	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		HandleID:  e.config.HandleID,
		Program:   e.config.Program,
		EventType: eventType,
		Summary:   summary,
		Data:      rawData,
	}

	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil {
			return err
		}
	}
	return nil
}

// Appliance emits a console output event.
func (e *Emitter) Appliance(text string) {
	_ = e.Emit(EventAppliance, text, nil)
}

// Progress emits a progress event.
func (e *Emitter) Progress(p ProgressData) {
	_ = e.Emit(EventProgress, "", &p)
}

// Trace emits a debug line. No-op unless a sink is attached, which
// only happens in verbose mode.
func (e *Emitter) Trace(summary string) {
	_ = e.Emit(EventTrace, summary, nil)
}

// Warning emits a non-fatal warning event.
func (e *Emitter) Warning(summary string) {
	_ = e.Emit(EventWarning, summary, nil)
}

// Close closes all sinks. Returns the first error encountered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
