// ABOUTME: Unit tests for MemoryStore behavior specific to the in-memory backend
// ABOUTME: Covers the retention window, copy-on-return and concurrent appends

package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RetentionWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	for i := range MessageRetention + 20 {
		_, _, err := s.AppendMessage(ctx, &Message{
			PhoneKey: "777",
			Text:     fmt.Sprintf("m%d", i),
			Sender:   SenderUser,
		}, "")
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "777", 0)
	require.NoError(t, err)
	require.Len(t, msgs, MessageRetention)
	assert.Equal(t, "m20", msgs[0].Text, "oldest entries are discarded first")
	assert.Equal(t, fmt.Sprintf("m%d", MessageRetention+19), msgs[len(msgs)-1].Text)

	conv, err := s.GetConversation(ctx, "777")
	require.NoError(t, err)
	assert.Equal(t, MessageRetention, conv.MessageCount)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	op := "bob"
	manual := ModeManual
	_, err := s.UpsertConversation(ctx, "888", ConversationUpdate{Mode: &manual, AssignedOperator: &op}, time.Now())
	require.NoError(t, err)

	c, err := s.GetConversation(ctx, "888")
	require.NoError(t, err)
	*c.AssignedOperator = "mallory"
	c.Mode = ModeAuto

	again, err := s.GetConversation(ctx, "888")
	require.NoError(t, err)
	assert.Equal(t, "bob", *again.AssignedOperator)
	assert.Equal(t, ModeManual, again.Mode)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			_, _, err := s.AppendMessage(ctx, &Message{
				PhoneKey: "999",
				Text:     fmt.Sprintf("m%d", i),
				Sender:   SenderUser,
			}, "")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	conv, err := s.GetConversation(ctx, "999")
	require.NoError(t, err)
	assert.Equal(t, 50, conv.MessageCount)
}
