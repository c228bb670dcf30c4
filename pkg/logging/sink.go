package logging

// Sink receives every event the handle emits: console output from the
// appliance, progress updates, lifecycle transitions, trace lines.
// The console pump and the RPC path emit concurrently, so
// implementations must be safe for concurrent use, and they must not
// retain or modify the event.
type Sink interface {
	Write(event *Event) error

	// Close flushes buffered data and releases resources. The handle
	// closes its sinks exactly once, from Close.
	Close() error
}
