// ABOUTME: Backend interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message, Stats and the Backend contract shared by all stores

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// UnknownContact is the sentinel display name for contacts that never sent one.
const UnknownContact = "unknown"

// MessageRetention is the per-contact window kept by the in-memory backend.
const MessageRetention = 100

// Mode is the control state of a conversation.
type Mode string

const (
	ModeAuto   Mode = "auto"   // AI responder answers inbound messages
	ModeManual Mode = "manual" // a human operator answers
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser     Sender = "user"
	SenderAI       Sender = "ai"
	SenderOperator Sender = "operator"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAI, SenderOperator:
		return true
	}
	return false
}

// Conversation is the per-contact state record, keyed by canonical phone key.
type Conversation struct {
	PhoneKey            string     `json:"phoneKey"`
	ContactName         string     `json:"contactName"`
	Mode                Mode       `json:"mode"`
	AssignedOperator    *string    `json:"assignedOperator"`
	ManualModeStartedAt *time.Time `json:"manualModeStartedAt"`
	ManualModeEndedAt   *time.Time `json:"manualModeEndedAt"`
	MessageCount        int        `json:"messageCount"`
	LastActivityAt      time.Time  `json:"lastActivityAt"`
	CreatedAt           time.Time  `json:"createdAt"`

	// RecentMessages is only populated by listing and search queries.
	RecentMessages []*Message `json:"recentMessages,omitempty"`
}

// IsManual reports whether a human operator controls the conversation.
func (c *Conversation) IsManual() bool {
	return c.Mode == ModeManual
}

// Message is one entry in a conversation's append-only log.
type Message struct {
	ID         string    `json:"id"`
	PhoneKey   string    `json:"phoneKey"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	ExternalID string    `json:"externalId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConversationUpdate carries the fields to merge in an upsert. Nil fields
// are left untouched. An empty AssignedOperator clears the operator.
type ConversationUpdate struct {
	ContactName         *string
	Mode                *Mode
	AssignedOperator    *string
	ManualModeStartedAt *time.Time
	ManualModeEndedAt   *time.Time
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	// ActiveSince drops conversations whose last activity is not after it.
	ActiveSince time.Time
	// Query matches phone key or contact name, case-insensitively.
	Query string
	// RecentMessages attaches the last N messages to each result.
	RecentMessages int
}

// Stats is an aggregate snapshot of all conversations.
type Stats struct {
	TotalConversations int       `json:"totalConversations"`
	ManualMode         int       `json:"manualMode"`
	AutoMode           int       `json:"autoMode"`
	ActiveToday        int       `json:"activeToday"`
	TotalMessages      int       `json:"totalMessages"`
	Timestamp          time.Time `json:"timestamp"`
}

// Backend is the narrow persistence contract behind the conversation store.
// Keys passed to a Backend are already canonical.
type Backend interface {
	// GetConversation returns ErrNotFound when no record exists.
	GetConversation(ctx context.Context, phoneKey string) (*Conversation, error)

	// UpsertConversation creates or merges a record and sets LastActivityAt to at.
	UpsertConversation(ctx context.Context, phoneKey string, upd ConversationUpdate, at time.Time) (*Conversation, error)

	// AppendMessage adds msg to the log, creating the conversation if needed,
	// and returns the stored message with the refreshed conversation.
	AppendMessage(ctx context.Context, msg *Message, contactName string) (*Message, *Conversation, error)

	// ListMessages returns up to limit of the most recent messages, oldest first.
	ListMessages(ctx context.Context, phoneKey string, limit int) ([]*Message, error)

	// ListConversations returns matches ordered by LastActivityAt descending.
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// DeleteConversation removes the record and its log. It reports whether
	// anything existed.
	DeleteConversation(ctx context.Context, phoneKey string) (bool, error)

	Stats(ctx context.Context, activeSince time.Time) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// searchName is the folded form of a contact name that search matches against.
func searchName(name string) string {
	return strings.ToLower(name)
}

// mergeUpdate applies upd over c. It seeds the contact name on new records.
func mergeUpdate(c *Conversation, upd ConversationUpdate) {
	if upd.ContactName != nil && KnownName(*upd.ContactName) {
		c.ContactName = *upd.ContactName
	}
	if c.ContactName == "" {
		c.ContactName = UnknownContact
	}
	if upd.Mode != nil {
		c.Mode = *upd.Mode
	}
	if upd.AssignedOperator != nil {
		if *upd.AssignedOperator == "" {
			c.AssignedOperator = nil
		} else {
			op := *upd.AssignedOperator
			c.AssignedOperator = &op
		}
	}
	if upd.ManualModeStartedAt != nil {
		t := *upd.ManualModeStartedAt
		c.ManualModeStartedAt = &t
	}
	if upd.ManualModeEndedAt != nil {
		t := *upd.ManualModeEndedAt
		c.ManualModeEndedAt = &t
	}
}

// KnownName reports whether name carries real information and may replace
// a stored contact name.
func KnownName(name string) bool {
	return name != "" && name != UnknownContact
}
