// Package events fans market notifications out to live subscribers.
// Delivery is best effort: a subscriber whose buffer is full misses events
// rather than stalling the market.
package events

import (
	"sync"

	"github.com/proofmarket/pmkt/internal/domain"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub is an EventSink that broadcasts to subscribers and to chained sinks.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan domain.Event
	nextID  int
	sinks   []domain.EventSink
	dropped uint64
}

// NewHub creates a hub that also forwards every event to sinks.
func NewHub(sinks ...domain.EventSink) *Hub {
	return &Hub{subs: make(map[int]chan domain.Event), sinks: sinks}
}

// Publish implements domain.EventSink.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	sinks := h.sinks
	var missed uint64
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			missed++
		}
	}
	h.mu.RUnlock()

	if missed > 0 {
		h.mu.Lock()
		h.dropped += missed
		h.mu.Unlock()
	}
	for _, s := range sinks {
		s.Publish(ev)
	}
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and must be called exactly once.
func (h *Hub) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan domain.Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Recorder is an EventSink that keeps every event; used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// Publish implements domain.EventSink.
func (r *Recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}
