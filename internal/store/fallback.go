// ABOUTME: FallbackStore decorator that retries failed durable operations in memory
// ABOUTME: Each fallback is logged and reported through an OnFallback hook for metrics

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// FallbackStore tries the primary Backend and, on any error other than
// ErrNotFound, re-runs the same operation against the secondary. Writes
// served by the secondary are not copied back when the primary recovers.
type FallbackStore struct {
	primary   Backend
	secondary Backend
	logger    *slog.Logger

	// OnFallback is called once per operation served by the secondary.
	OnFallback func(op string, err error)
}

// NewFallbackStore decorates primary with secondary as the shadow.
// Pass nil logger for default.
func NewFallbackStore(primary, secondary Backend, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("component", "fallback-store"),
	}
}

func (f *FallbackStore) fellBack(op string, err error) {
	f.logger.Warn("durable backend failed, serving from memory", "op", op, "error", err)
	if f.OnFallback != nil {
		f.OnFallback(op, err)
	}
}

// shouldFallBack treats ErrNotFound as an answer, not a failure.
func shouldFallBack(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

func (f *FallbackStore) GetConversation(ctx context.Context, phoneKey string) (*Conversation, error) {
	c, err := f.primary.GetConversation(ctx, phoneKey)
	if shouldFallBack(err) {
		f.fellBack("get_conversation", err)
		return f.secondary.GetConversation(ctx, phoneKey)
	}
	return c, err
}

func (f *FallbackStore) UpsertConversation(ctx context.Context, phoneKey string, upd ConversationUpdate, at time.Time) (*Conversation, error) {
	c, err := f.primary.UpsertConversation(ctx, phoneKey, upd, at)
	if shouldFallBack(err) {
		f.fellBack("upsert_conversation", err)
		return f.secondary.UpsertConversation(ctx, phoneKey, upd, at)
	}
	return c, err
}

func (f *FallbackStore) AppendMessage(ctx context.Context, msg *Message, contactName string) (*Message, *Conversation, error) {
	m, c, err := f.primary.AppendMessage(ctx, msg, contactName)
	if shouldFallBack(err) {
		f.fellBack("append_message", err)
		return f.secondary.AppendMessage(ctx, msg, contactName)
	}
	return m, c, err
}

func (f *FallbackStore) ListMessages(ctx context.Context, phoneKey string, limit int) ([]*Message, error) {
	msgs, err := f.primary.ListMessages(ctx, phoneKey, limit)
	if shouldFallBack(err) {
		f.fellBack("list_messages", err)
		return f.secondary.ListMessages(ctx, phoneKey, limit)
	}
	return msgs, err
}

func (f *FallbackStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	convs, err := f.primary.ListConversations(ctx, filter)
	if shouldFallBack(err) {
		f.fellBack("list_conversations", err)
		return f.secondary.ListConversations(ctx, filter)
	}
	return convs, err
}

// DeleteConversation also clears the shadow so outage-era records do not
// outlive an explicit delete.
func (f *FallbackStore) DeleteConversation(ctx context.Context, phoneKey string) (bool, error) {
	shadowed, shadowErr := f.secondary.DeleteConversation(ctx, phoneKey)
	if shadowErr != nil {
		f.logger.Warn("clearing memory shadow failed", "phone_key", phoneKey, "error", shadowErr)
	}

	existed, err := f.primary.DeleteConversation(ctx, phoneKey)
	if shouldFallBack(err) {
		f.fellBack("delete_conversation", err)
		return shadowed, shadowErr
	}
	return existed || shadowed, err
}

func (f *FallbackStore) Stats(ctx context.Context, activeSince time.Time) (*Stats, error) {
	stats, err := f.primary.Stats(ctx, activeSince)
	if shouldFallBack(err) {
		f.fellBack("stats", err)
		return f.secondary.Stats(ctx, activeSince)
	}
	return stats, err
}

// Ping reports the primary's health; the shadow is always available.
func (f *FallbackStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

func (f *FallbackStore) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}
