// ABOUTME: In-memory fan-out of change events to live operator views (SSE, WebSocket)
// ABOUTME: Subscribers watch one phone key or, with an empty key, every conversation

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllConversations subscribes to events for every phone key.
	AllConversations = ""
)

// Broadcaster provides in-memory pub/sub for conversation change events.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // phoneKey -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on phoneKey (AllConversations for every
// key). The subscription is removed and its channel closed when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, phoneKey string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[phoneKey]; !ok {
		b.subscribers[phoneKey] = make(map[string]chan *Event)
	}
	b.subscribers[phoneKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "phone_key", phoneKey, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(phoneKey, subID)
	}()

	return ch, subID
}

// Publish delivers event to subscribers of its phone key and to
// subscribers of all conversations.
func (b *Broadcaster) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	var targets []chan *Event
	for _, key := range []string{AllConversations, event.PhoneKey} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
		if event.PhoneKey == AllConversations {
			break
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send. Every send is non-blocking.
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"phone_key", event.PhoneKey,
				"type", event.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(phoneKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[phoneKey]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, phoneKey)
	}

	b.logger.Debug("subscriber removed", "phone_key", phoneKey, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
