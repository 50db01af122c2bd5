// Package notify is the console's side channel for transient notifications
// (toasts). Producers publish; presentation code subscribes.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a transient, non-timeline message for the operator.
type Notification struct {
	Level     Level     `json:"level"`
	ProjectID string    `json:"project_id,omitempty"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(n Notification)
}

// Broker fans out notifications to all active subscribers.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
}

// NewBroker creates a notification broker with no subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan Notification]struct{}),
	}
}

// Subscribe returns a channel that receives every published notification.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan Notification {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends n to all subscribers. Subscribers with a full buffer are
// skipped so one slow consumer cannot block a producer.
func (b *Broker) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn("notify: subscriber buffer full, notification dropped",
			"dropped", dropped, "title", n.Title)
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Notification) {}
