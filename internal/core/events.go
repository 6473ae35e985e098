package core

import (
	"sync"
	"time"
)

type EventType string

const (
	EventQueueUpdate    EventType = "queue_update"
	EventStatusUpdate   EventType = "status_update"
	EventProgressUpdate EventType = "progress_update"
)

// Event is one pushed notification. Data carries a payload struct matching
// the event type.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type StatusUpdateData struct {
	JobID     string    `json:"request_id"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
}

type ProgressUpdateData struct {
	JobID   string `json:"request_id"`
	Message string `json:"message"`
}

const defaultSubscriberBuffer = 64

// Hub fans events out to all connected subscribers. Delivery is best effort:
// a subscriber whose mailbox is full has the event dropped rather than
// blocking publication for everyone else.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	bufferSize  int
}

type Subscriber struct {
	ch      chan Event
	dropped uint64
}

// Events is the subscriber's mailbox. It is closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a new observer. Past events are not replayed; callers
// wanting a baseline should snapshot the registry first.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, h.bufferSize)}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.ch)
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}
	}
}

// SubscriberCount reports the number of connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
