// ABOUTME: Tests for FallbackStore failover from a broken primary to the memory shadow
// ABOUTME: Uses a failing Backend stub to simulate a durable store outage

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOutage = errors.New("connection refused")

// brokenBackend fails every call except Close.
type brokenBackend struct{}

func (brokenBackend) GetConversation(context.Context, string) (*Conversation, error) {
	return nil, errOutage
}

func (brokenBackend) UpsertConversation(context.Context, string, ConversationUpdate, time.Time) (*Conversation, error) {
	return nil, errOutage
}

func (brokenBackend) AppendMessage(context.Context, *Message, string) (*Message, *Conversation, error) {
	return nil, nil, errOutage
}

func (brokenBackend) ListMessages(context.Context, string, int) ([]*Message, error) {
	return nil, errOutage
}

func (brokenBackend) ListConversations(context.Context, ConversationFilter) ([]*Conversation, error) {
	return nil, errOutage
}

func (brokenBackend) DeleteConversation(context.Context, string) (bool, error) {
	return false, errOutage
}

func (brokenBackend) Stats(context.Context, time.Time) (*Stats, error) {
	return nil, errOutage
}

func (brokenBackend) Ping(context.Context) error { return errOutage }
func (brokenBackend) Close() error               { return nil }

func TestFallbackStore_ServesFromSecondaryOnError(t *testing.T) {
	ctx := t.Context()
	shadow := NewMemoryStore()
	f := NewFallbackStore(brokenBackend{}, shadow, nil)

	var ops []string
	f.OnFallback = func(op string, err error) {
		assert.ErrorIs(t, err, errOutage)
		ops = append(ops, op)
	}

	msg, conv, err := f.AppendMessage(ctx, &Message{PhoneKey: "123", Text: "hola", Sender: SenderUser}, "Ana")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 1, conv.MessageCount)

	got, err := f.GetConversation(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.ContactName)

	msgs, err := f.ListMessages(ctx, "123", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, []string{"append_message", "get_conversation", "list_messages"}, ops)
	assert.ErrorIs(t, f.Ping(ctx), errOutage)
}

func TestFallbackStore_NotFoundIsNotAFailure(t *testing.T) {
	ctx := t.Context()
	primary := NewMemoryStore()
	shadow := NewMemoryStore()

	// A record only the shadow knows about must stay invisible while the
	// primary is healthy.
	_, _, err := shadow.AppendMessage(ctx, &Message{PhoneKey: "42", Text: "x", Sender: SenderUser}, "")
	require.NoError(t, err)

	f := NewFallbackStore(primary, shadow, nil)
	called := false
	f.OnFallback = func(string, error) { called = true }

	_, err = f.GetConversation(ctx, "42")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
}

func TestFallbackStore_DeleteClearsShadow(t *testing.T) {
	ctx := t.Context()
	primary := NewMemoryStore()
	shadow := NewMemoryStore()
	f := NewFallbackStore(primary, shadow, nil)

	_, _, err := shadow.AppendMessage(ctx, &Message{PhoneKey: "42", Text: "x", Sender: SenderUser}, "")
	require.NoError(t, err)

	existed, err := f.DeleteConversation(ctx, "42")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = shadow.GetConversation(ctx, "42")
	assert.ErrorIs(t, err, ErrNotFound)
}
