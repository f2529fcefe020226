package agent

import (
	"loom/internal/tools"
)

// EventBufferSize bounds the per-run replay buffer. The buffer exists only so
// a client that disconnects mid-run can catch up; the durable record of a run
// is the snapshot plus the persisted session status.
const EventBufferSize = 500

// Event is one entry of the replay stream: a monotonically increasing
// per-run index plus a typed payload.
type Event struct {
	Index   int `json:"index"`
	Payload any `json:"payload"`
}

// Payload type discriminators carried in the `type` field of every payload.
const (
	EventStatus      = "agent-status"
	EventText        = "agent-text"
	EventToolCall    = "agent-tool-call"
	EventToolResult  = "agent-tool-result"
	EventFileChanged = "file-changed"
	EventError       = "agent-error"
	EventDone        = "agent-done"
)

type StatusPayload struct {
	Type    string   `json:"type"`
	Session *Session `json:"session"`
}

type TextPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ToolCallPayload struct {
	Type   string         `json:"type"`
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
}

type ToolResultPayload struct {
	Type    string `json:"type"`
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type FileChangedPayload struct {
	Type   string           `json:"type"`
	Change tools.FileChange `json:"change"`
}

type ErrorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DonePayload struct {
	Type       string `json:"type"`
	Status     Status `json:"status"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

// eventRing is a bounded ring buffer scoped to the current run. It is only
// touched from the runner (loop appends, replay reads under the runner's
// lock), so it needs no locking of its own.
type eventRing struct {
	events []Event
	next   int
}

func newEventRing() *eventRing {
	return &eventRing{}
}

// reset clears the buffer and restarts the sequence for a new run.
func (r *eventRing) reset() {
	r.events = r.events[:0]
	r.next = 0
}

// append assigns the next index and stores the event, evicting the oldest
// entry once the buffer is full.
func (r *eventRing) append(payload any) Event {
	r.next++
	ev := Event{Index: r.next, Payload: payload}
	if len(r.events) == EventBufferSize {
		copy(r.events, r.events[1:])
		r.events[len(r.events)-1] = ev
	} else {
		r.events = append(r.events, ev)
	}
	return ev
}

// after returns the events with index strictly greater than last, in order.
func (r *eventRing) after(last int) []Event {
	for i, ev := range r.events {
		if ev.Index > last {
			out := make([]Event, len(r.events)-i)
			copy(out, r.events[i:])
			return out
		}
	}
	return nil
}
