package logging

import (
	"encoding/json"
	"time"
)

// Event is one structured occurrence on a handle: a chunk of appliance
// console output, a progress update, a lifecycle transition or a trace
// line. Required fields: Timestamp, HandleID, EventType, Summary.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	HandleID  string          `json:"handle_id"`
	Program   string          `json:"program,omitempty"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event type constants.
const (
	// EventAppliance carries raw console/log output from the
	// appliance. Summary holds the text verbatim, including any
	// control sequences.
	EventAppliance = "appliance"
	// EventProgress reports position/total progress of a long call.
	EventProgress = "progress"
	// EventLaunchDone fires when the launch handshake completes.
	EventLaunchDone = "launch_done"
	// EventSubprocessQuit fires when the appliance dies unexpectedly.
	EventSubprocessQuit = "subprocess_quit"
	// EventTrace carries library debug output in verbose mode.
	EventTrace = "trace"
	// EventWarning carries non-fatal trouble worth surfacing.
	EventWarning = "warning"
)

// ProgressData is the data payload for progress events. Proc and
// Serial identify the in-flight call; both are zero for the synthetic
// launch milestones.
type ProgressData struct {
	Proc     uint32 `json:"proc"`
	Serial   uint32 `json:"serial"`
	Position uint64 `json:"position"`
	Total    uint64 `json:"total"`
}

// SubprocessQuitData is the data payload for subprocess_quit events.
type SubprocessQuitData struct {
	Backend string `json:"backend"`
}
