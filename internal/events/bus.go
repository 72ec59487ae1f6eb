// Package events is an in-memory pub/sub bus for per-request routing
// events, consumed by the admin SSE endpoint.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRequestSuccess EventType = "request_success"
	EventRequestError   EventType = "request_error"
	EventRetentionSweep EventType = "retention_sweep"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Request fields (populated for request events).
	TraceID        string `json:"trace_id,omitempty"`
	RequestedModel string `json:"requested_model,omitempty"`
	TargetModel    string `json:"target_model,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	StatusCode     int    `json:"status_code,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
	TotalMs        int64  `json:"total_ms,omitempty"`
	InputTokens    int    `json:"input_tokens,omitempty"`
	OutputTokens   int    `json:"output_tokens,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	Error          string `json:"error,omitempty"`

	// Retention fields (populated for retention_sweep events).
	DeletedLogs int64 `json:"deleted_logs,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus fans events out to subscribers. Slow subscribers drop events
// rather than blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
