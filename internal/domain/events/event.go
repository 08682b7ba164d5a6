// Package events defines the typed notifications exchanged inside an execution context.
package events

import (
	"time"
)

// EventType classifies an Event and selects its payload type.
type EventType string

const (
	// EventTypeConnectivityChanged carries a ConnectivityPayload.
	EventTypeConnectivityChanged EventType = "ConnectivityChanged"
	// EventTypeSyncProgress carries a SyncProgressPayload.
	EventTypeSyncProgress EventType = "SyncProgress"
	// EventTypeSyncComplete carries a SyncCompletePayload.
	EventTypeSyncComplete EventType = "SyncComplete"
)

// Source names the execution context that emitted an event.
type Source string

const (
	SourcePage       Source = "page"
	SourceBackground Source = "background"
	SourceCommand    Source = "command"
)

// Event is a single typed notification.
type Event struct {
	EventID string    `json:"event_id"`
	Type    EventType `json:"type"`
	Source  Source    `json:"source"`
	EmitTS  time.Time `json:"emit_ts"`
	Payload any       `json:"payload"`
}

// ConnectivityPayload reports a connectivity transition.
type ConnectivityPayload struct {
	Online bool `json:"online"`
}

// ProgressStage distinguishes the start of a drain pass from per-record updates.
type ProgressStage string

const (
	ProgressStarted ProgressStage = "started"
	ProgressRecord  ProgressStage = "record"
)

// SyncProgressPayload reports drain pass progress.
type SyncProgressPayload struct {
	PassID    string        `json:"pass_id"`
	Stage     ProgressStage `json:"stage"`
	Pending   int           `json:"pending"`
	RecordID  int64         `json:"record_id,omitempty"`
	Delivered bool          `json:"delivered"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// SyncCompletePayload reports the outcome of a finished drain pass.
type SyncCompletePayload struct {
	PassID    string        `json:"pass_id"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Connectivity returns the payload when e is a connectivity event.
func (e *Event) Connectivity() (ConnectivityPayload, bool) {
	if e == nil || e.Type != EventTypeConnectivityChanged {
		return ConnectivityPayload{}, false
	}
	p, ok := e.Payload.(ConnectivityPayload)
	return p, ok
}

// Progress returns the payload when e is a sync progress event.
func (e *Event) Progress() (SyncProgressPayload, bool) {
	if e == nil || e.Type != EventTypeSyncProgress {
		return SyncProgressPayload{}, false
	}
	p, ok := e.Payload.(SyncProgressPayload)
	return p, ok
}

// Complete returns the payload when e is a sync completion event.
func (e *Event) Complete() (SyncCompletePayload, bool) {
	if e == nil || e.Type != EventTypeSyncComplete {
		return SyncCompletePayload{}, false
	}
	p, ok := e.Payload.(SyncCompletePayload)
	return p, ok
}

// Clone returns a shallow copy; payloads are value types.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}
