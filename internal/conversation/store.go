// ABOUTME: Store wraps a persistence Backend with phone-key canonicalization and defaults
// ABOUTME: Mode switches and appends publish change events to the configured Notifier

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/store"
)

const (
	// DefaultHistoryLimit applies when GetMessageHistory gets a non-positive limit.
	DefaultHistoryLimit = 50

	// DefaultOperator is assigned when SetManualMode gets no operator id.
	DefaultOperator = "operator"

	// ActiveWindow is how recent activity must be for a conversation to count as active.
	ActiveWindow = 24 * time.Hour

	listRecentMessages   = 5
	searchRecentMessages = 3
)

// DeleteResult reports the outcome of DeleteConversation.
type DeleteResult struct {
	Message      string `json:"message"`
	DeletedPhone string `json:"deletedPhone"`
}

// Store is the conversation state API used by routing and the operator
// surface. Every method accepts raw phone identifiers and canonicalizes
// them before touching the backend.
type Store struct {
	backend  store.Backend
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a Store. A nil notifier discards events.
func NewStore(backend store.Backend, notifier Notifier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Store{
		backend:  backend,
		notifier: notifier,
		logger:   logger.With("component", "conversation_store"),
		now:      time.Now,
	}
}

// Backend exposes the underlying persistence layer for health checks.
func (s *Store) Backend() store.Backend {
	return s.backend
}

// GetConversation returns the stored record, or an unsaved AUTO default
// when the contact has never been seen.
func (s *Store) GetConversation(ctx context.Context, rawPhone string) (*store.Conversation, error) {
	key := store.CanonicalPhone(rawPhone)
	c, err := s.backend.GetConversation(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Conversation{PhoneKey: key, Mode: store.ModeAuto}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", key, err)
	}
	return c, nil
}

// UpdateConversation creates or merges the record for rawPhone.
func (s *Store) UpdateConversation(ctx context.Context, rawPhone string, upd store.ConversationUpdate) (*store.Conversation, error) {
	key := store.CanonicalPhone(rawPhone)
	c, err := s.backend.UpsertConversation(ctx, key, upd, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("updating conversation %s: %w", key, err)
	}
	return c, nil
}

// SetManualMode hands the conversation to operatorID. Calling it on a
// conversation that is already manual reassigns it and restarts the
// manual session clock.
func (s *Store) SetManualMode(ctx context.Context, rawPhone, operatorID string) (*store.Conversation, error) {
	if operatorID == "" {
		operatorID = DefaultOperator
	}
	now := s.now().UTC()
	mode := store.ModeManual
	c, err := s.UpdateConversation(ctx, rawPhone, store.ConversationUpdate{
		Mode:                &mode,
		AssignedOperator:    &operatorID,
		ManualModeStartedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("conversation switched to manual", "phone_key", c.PhoneKey, "operator", operatorID)
	s.publishMode(c)
	return c, nil
}

// SetAutoMode returns the conversation to the AI responder and clears the
// assigned operator.
func (s *Store) SetAutoMode(ctx context.Context, rawPhone string) (*store.Conversation, error) {
	now := s.now().UTC()
	mode := store.ModeAuto
	none := ""
	c, err := s.UpdateConversation(ctx, rawPhone, store.ConversationUpdate{
		Mode:              &mode,
		AssignedOperator:  &none,
		ManualModeEndedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("conversation switched to auto", "phone_key", c.PhoneKey)
	s.publishMode(c)
	return c, nil
}

// IsManualMode reports whether an operator controls the conversation.
func (s *Store) IsManualMode(ctx context.Context, rawPhone string) (bool, error) {
	c, err := s.GetConversation(ctx, rawPhone)
	if err != nil {
		return false, err
	}
	return c.IsManual(), nil
}

// AddMessage appends text to the contact's log and publishes a
// message-update event once the append is stored.
func (s *Store) AddMessage(ctx context.Context, rawPhone, text string, sender store.Sender, contactName, externalID string) (*store.Message, *store.Conversation, error) {
	if !sender.Valid() {
		return nil, nil, fmt.Errorf("adding message: invalid sender %q", sender)
	}
	key := store.CanonicalPhone(rawPhone)
	msg := &store.Message{
		PhoneKey:   key,
		Text:       text,
		Sender:     sender,
		ExternalID: externalID,
		Timestamp:  s.now().UTC(),
	}

	saved, c, err := s.backend.AppendMessage(ctx, msg, contactName)
	if err != nil {
		return nil, nil, fmt.Errorf("appending message for %s: %w", key, err)
	}

	s.logger.Debug("message recorded",
		"phone_key", key,
		"sender", sender,
		"message_id", saved.ID,
		"message_count", c.MessageCount)

	s.notifier.Publish(&Event{
		Type:        EventMessageUpdate,
		PhoneKey:    key,
		ContactName: c.ContactName,
		Message: &EventMessage{
			Sender:    saved.Sender,
			Text:      saved.Text,
			Timestamp: saved.Timestamp,
		},
	})
	return saved, c, nil
}

// GetMessageHistory returns the last limit messages, oldest first.
func (s *Store) GetMessageHistory(ctx context.Context, rawPhone string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	key := store.CanonicalPhone(rawPhone)
	msgs, err := s.backend.ListMessages(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", key, err)
	}
	return msgs, nil
}

// GetAllConversations lists every conversation, most recently active first.
func (s *Store) GetAllConversations(ctx context.Context) ([]*store.Conversation, error) {
	return s.list(ctx, store.ConversationFilter{RecentMessages: listRecentMessages})
}

// GetActiveConversations lists conversations active within ActiveWindow.
func (s *Store) GetActiveConversations(ctx context.Context) ([]*store.Conversation, error) {
	return s.list(ctx, store.ConversationFilter{
		ActiveSince:    s.now().UTC().Add(-ActiveWindow),
		RecentMessages: listRecentMessages,
	})
}

// SearchConversations matches query against phone keys and contact names.
// A blank query matches nothing.
func (s *Store) SearchConversations(ctx context.Context, query string) ([]*store.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*store.Conversation{}, nil
	}
	return s.list(ctx, store.ConversationFilter{
		Query:          query,
		RecentMessages: searchRecentMessages,
	})
}

func (s *Store) list(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	convs, err := s.backend.ListConversations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	return convs, nil
}

// DeleteConversation removes the conversation and its messages. Deleting
// an unknown contact succeeds.
func (s *Store) DeleteConversation(ctx context.Context, rawPhone string) (*DeleteResult, error) {
	key := store.CanonicalPhone(rawPhone)
	existed, err := s.backend.DeleteConversation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("deleting conversation %s: %w", key, err)
	}

	res := &DeleteResult{DeletedPhone: key, Message: "Conversation deleted"}
	if !existed {
		res.Message = "Conversation not found, nothing to delete"
	}

	s.logger.Info("conversation deleted", "phone_key", key, "existed", existed)
	s.notifier.Publish(&Event{Type: EventConversationDeleted, PhoneKey: key})
	return res, nil
}

// GetStats returns aggregate counts across all conversations.
func (s *Store) GetStats(ctx context.Context) (*store.Stats, error) {
	now := s.now().UTC()
	stats, err := s.backend.Stats(ctx, now.Add(-ActiveWindow))
	if err != nil {
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	stats.Timestamp = now
	return stats, nil
}

func (s *Store) publishMode(c *store.Conversation) {
	s.notifier.Publish(&Event{
		Type:             EventModeUpdate,
		PhoneKey:         c.PhoneKey,
		ContactName:      c.ContactName,
		Mode:             c.Mode,
		AssignedOperator: c.AssignedOperator,
	})
}
