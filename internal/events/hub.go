// Package events is an in-memory pub/sub hub for session and run lifecycle
// events. The progress view and the gateway subscribe to it.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	RunStarted       = "run.started"
	RunCompleted     = "run.completed"
	SessionStarted   = "session.started"
	DocumentExecuted = "document.executed"
	SessionFinished  = "session.finished"
	SessionAborted   = "session.aborted"
	SessionFailed    = "session.failed"
	ResultPublished  = "result.published"
)

// Event is one published event. Data holds the JSON encoded payload.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher is what producers need from a hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// SessionEvent is the payload of every session.* and document.* event.
type SessionEvent struct {
	RunID       string `json:"run_id,omitempty"`
	Step        string `json:"step"`
	DuplicateID int    `json:"duplicate_id"`
	Document    string `json:"document,omitempty"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	RunID      string   `json:"run_id"`
	Pipeline   string   `json:"pipeline"`
	Documents  int      `json:"documents"`
	Duplicates int      `json:"duplicates"`
	Steps      []string `json:"steps,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Hub keeps a ring buffer of recent events for late subscribers.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out. Slow subscribers miss events
// rather than block the producer.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
