package calsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActivityEvent is one observable thing the service did: a reconcile
// outcome or a channel lifecycle change. The httpapi package streams
// these over a websocket for the operator dashboard.
type ActivityEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	CalendarID string    `json:"calendarId,omitempty"`
	EventID    string    `json:"eventId,omitempty"`
	DealID     string    `json:"dealId,omitempty"`
	StageID    string    `json:"stageId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ActivityHub fans events out to subscribers. Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling
// the pipeline.
type ActivityHub struct {
	mu          sync.Mutex
	subscribers map[chan ActivityEvent]struct{}
	now         func() time.Time
}

func NewActivityHub() *ActivityHub {
	return &ActivityHub{
		subscribers: map[chan ActivityEvent]struct{}{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (h *ActivityHub) Publish(event ActivityEvent) {
	if h == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a buffered feed. The returned cancel func must be
// called to release the subscription.
func (h *ActivityHub) Subscribe(buffer int) (<-chan ActivityEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ActivityEvent, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *ActivityHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
