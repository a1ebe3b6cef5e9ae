package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bridge.
const (
	// TypeDataSync tells the UI that background data changed and views
	// should refresh.
	TypeDataSync = "data-sync"

	TypeInvocationStarted   = "invocation.started"
	TypeInvocationCompleted = "invocation.completed"

	TypeSchedulerTick    = "scheduler.tick"
	TypeSchedulerSkipped = "scheduler.skipped"
	TypeSchedulerFailed  = "scheduler.failed"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the narrow side of the hub that producers depend on.
type Publisher interface {
	Publish(eventType string, data any) int64
}

type subscriber struct {
	ch     chan Event
	filter []string
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the miss is counted.
type Hub struct {
	dropped atomic.Int64

	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]*subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]*subscriber),
	}
}

// Publish records an event and fans it out. It returns the event ID.
func (h *Hub) Publish(eventType string, data any) int64 {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{
		ID:   h.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !matches(sub.filter, ev.Type) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return ev.ID
}

// Subscribe registers a listener. With no types every event is delivered;
// otherwise only events whose type equals one of types, or starts with a
// type ending in ".*" (e.g. "invocation.*"), are delivered.
func (h *Hub) Subscribe(types ...string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	sub := &subscriber{ch: make(chan Event, 128), filter: types}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return sub.ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64, types ...string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if (lastID == 0 || ev.ID > lastID) && matches(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped reports how many deliveries were skipped because a subscriber was
// not keeping up.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers reports the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

func matches(filter []string, eventType string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == eventType || f == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(f, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// PublishFunc adapts a function to the Publisher interface.
type PublishFunc func(eventType string, data any) int64

func (f PublishFunc) Publish(eventType string, data any) int64 { return f(eventType, data) }

// Counted wraps p so that count is called with the type of every event
// published through it.
func Counted(p Publisher, count func(eventType string)) Publisher {
	return PublishFunc(func(eventType string, data any) int64 {
		id := p.Publish(eventType, data)
		count(eventType)
		return id
	})
}
