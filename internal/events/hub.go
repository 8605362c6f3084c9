// Package events fans dump activity out to live subscribers such as the SSE
// endpoint, keeping a short backlog for clients that connect late.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeServiceInserted = "service.inserted"
	TypeServiceRemoved  = "service.removed"
	TypeDumpCompleted   = "dump.completed"
	TypeDumpFailed      = "dump.failed"
)

const (
	DefaultBacklog   = 100
	subscriberBuffer = 64
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// ServicePayload accompanies service.inserted and service.removed.
type ServicePayload struct {
	Service  string `json:"service"`
	Replaced bool   `json:"replaced,omitempty"`
}

// DumpPayload accompanies dump.completed and dump.failed.
type DumpPayload struct {
	ID         string   `json:"id"`
	Service    string   `json:"service"`
	Args       []string `json:"args"`
	Bytes      int      `json:"bytes"`
	Status     string   `json:"status"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// Hub is an in-memory broadcaster. Publish never blocks on a slow
// subscriber; events that do not fit its buffer are dropped for it.
type Hub struct {
	seq atomic.Int64

	mu      sync.Mutex
	backlog []Event
	head    int
	count   int

	subs   map[int]chan Event
	nextID int
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		backlog: make([]Event, backlog),
		subs:    make(map[int]chan Event),
	}
}

// Publish stamps and broadcasts an event. data is marshalled to JSON; a value
// that fails to marshal is sent as an empty object.
func (h *Hub) Publish(eventType string, data any) Event {
	raw := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.seq.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: raw,
	}
	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Since returns retained events newer than lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.backlog[(h.head+i)%len(h.backlog)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	n := len(h.backlog)
	if h.count < n {
		h.backlog[(h.head+h.count)%n] = ev
		h.count++
		return
	}
	h.backlog[h.head] = ev
	h.head = (h.head + 1) % n
}
