// Package events publishes acquisition lifecycle events: pipeline state
// changes, exposure saturation, fatal stage errors and persisted frames.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeStateChanged        = "state_changed"
	TypeExposureUnreachable = "exposure_unreachable"
	TypeStageFailed         = "stage_failed"
	TypeFramePersisted      = "frame_persisted"
	TypeWarmupComplete      = "warmup_complete"
)

// Event is one JSON message on the events topic.
type Event struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	RunID string         `json:"run_id"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// New stamps an event with a fresh ID and the current time.
func New(typ, runID string, data map[string]any) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		RunID: runID,
		Time:  time.Now().UTC(),
		Data:  data,
	}
}

// JSON encodes the event.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives events. Implementations must be safe for concurrent use.
// Emit errors are logged by callers and never stop acquisition.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) error { return nil }
