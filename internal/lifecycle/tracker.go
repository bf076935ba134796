package lifecycle

import (
	"time"

	"plugin-governor/internal/resource"
	"plugin-governor/internal/ring"
)

// DefaultHistoryLimit is the number of events kept per resource
const DefaultHistoryLimit = 100

// Event records one state transition
type Event struct {
	ResourceID   string                 `json:"resource_id"`
	PluginID     string                 `json:"plugin_id"`
	ResourceType resource.ResourceType  `json:"resource_type"`
	From         State                  `json:"from"`
	To           State                  `json:"to"`
	At           time.Time              `json:"at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type tracker struct {
	handle         resource.Handle
	state          State
	stateChangedAt time.Time
	history        *ring.Buffer[Event]
	metadata       map[string]interface{}
}

func newTracker(h resource.Handle, initial State, now time.Time, historyLimit int) *tracker {
	return &tracker{
		handle:         h.Clone(),
		state:          initial,
		stateChangedAt: now,
		history:        ring.New[Event](historyLimit),
		metadata:       make(map[string]interface{}),
	}
}

// record appends a transition and moves the tracker to its target state
func (t *tracker) record(to State, now time.Time, metadata map[string]interface{}) Event {
	e := Event{
		ResourceID:   t.handle.ID,
		PluginID:     t.handle.PluginID,
		ResourceType: t.handle.Type,
		From:         t.state,
		To:           to,
		At:           now,
		Metadata:     copyMetadata(metadata),
	}
	t.history.Push(e)
	for k, v := range metadata {
		t.metadata[k] = v
	}
	t.state = to
	t.stateChangedAt = now
	return e
}

// TrackerSnapshot is a copy of one tracked resource
type TrackerSnapshot struct {
	Handle         resource.Handle        `json:"handle"`
	State          State                  `json:"state"`
	StateChangedAt time.Time              `json:"state_changed_at"`
	History        []Event                `json:"history"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func (t *tracker) snapshot() TrackerSnapshot {
	return TrackerSnapshot{
		Handle:         t.handle.Clone(),
		State:          t.state,
		StateChangedAt: t.stateChangedAt,
		History:        t.history.Items(),
		Metadata:       copyMetadata(t.metadata),
	}
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
