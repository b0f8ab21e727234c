// ABOUTME: Change notification events and the Notifier port the store publishes to
// ABOUTME: Notifiers fans one event out to several adapters (broadcaster, broker)

package conversation

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// EventType names a change notification.
type EventType string

const (
	EventMessageUpdate       EventType = "message-update"
	EventModeUpdate          EventType = "mode-update"
	EventConversationDeleted EventType = "conversation-deleted"
)

// EventMessage is the message summary carried by a message-update event.
type EventMessage struct {
	Sender    store.Sender `json:"sender"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// Event is one state change broadcast to live observers.
type Event struct {
	Type             EventType     `json:"type"`
	PhoneKey         string        `json:"phoneKey"`
	ContactName      string        `json:"contactName,omitempty"`
	Message          *EventMessage `json:"message,omitempty"`
	Mode             store.Mode    `json:"mode,omitempty"`
	AssignedOperator *string       `json:"assignedOperator,omitempty"`
}

// Notifier receives change events. Publish must not block the caller for
// longer than a short bounded time.
type Notifier interface {
	Publish(event *Event)
}

// Notifiers publishes to every notifier in order.
type Notifiers []Notifier

// Publish forwards event to each notifier.
func (n Notifiers) Publish(event *Event) {
	for _, notifier := range n {
		notifier.Publish(event)
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(*Event) {}
