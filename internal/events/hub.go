package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event types.
const (
	JobCreated  = "job.created"
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobDeleted  = "job.deleted"
)

// Event is one lifecycle notification. Owner scopes delivery and is never
// serialized.
type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	Owner string          `json:"-"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	owner string
	ch    chan Event
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records an event for owner and fans it out to that owner's
// subscribers.
func (h *Hub) Publish(eventType, owner string, data any) {
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:    id,
		Type:  eventType,
		Owner: owner,
		At:    time.Now().UTC(),
		Data:  payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of events for owner. An empty owner receives
// every event.
func (h *Hub) Subscribe(owner string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{owner: owner, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns owner's buffered events with ID > lastID, oldest
// first. If lastID is 0, the owner's full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(owner string, lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	filter := subscriber{owner: owner}
	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if !filter.wants(ev) {
			continue
		}
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (s subscriber) wants(ev Event) bool {
	return s.owner == "" || s.owner == ev.Owner
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
