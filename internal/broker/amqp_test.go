// ABOUTME: Tests for the AMQP publisher using an in-process fake channel
// ABOUTME: Verifies exchange declaration, routing keys, payloads and shutdown draining

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	kinds      []string
	published  []published
	declareErr error
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPublisher_DeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, nil, "", nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, []string{DefaultExchange}, ch.declared)
	assert.Equal(t, []string{amqp.ExchangeTopic}, ch.kinds)
	assert.True(t, ch.closed)
}

func TestPublisher_DeclareFailure(t *testing.T) {
	_, err := newPublisher(&fakeChannel{declareErr: errors.New("access refused")}, nil, "ex", nil)
	assert.Error(t, err)
}

func TestPublisher_PublishesEventsInOrder(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, nil, "events", nil)
	require.NoError(t, err)

	op := "alice"
	p.Publish(&conversation.Event{Type: conversation.EventModeUpdate, PhoneKey: "111", Mode: store.ModeManual, AssignedOperator: &op})
	p.Publish(&conversation.Event{Type: conversation.EventConversationDeleted, PhoneKey: "111"})
	p.Publish(nil)

	// Close drains the queue before returning.
	require.NoError(t, p.Close())

	require.Len(t, ch.published, 2)
	first := ch.published[0]
	assert.Equal(t, "events", first.exchange)
	assert.Equal(t, "conversation.mode-update", first.key)
	assert.Equal(t, "application/json", first.msg.ContentType)
	assert.Equal(t, amqp.Persistent, first.msg.DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(first.msg.Body, &body))
	assert.Equal(t, "mode-update", body["type"])
	assert.Equal(t, "manual", body["mode"])
	assert.Equal(t, "alice", body["assignedOperator"])

	assert.Equal(t, "conversation.conversation-deleted", ch.published[1].key)
}

func TestPublisher_PublishAfterCloseIsDropped(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, nil, "events", nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	p.Publish(&conversation.Event{Type: conversation.EventMessageUpdate, PhoneKey: "111"})
	assert.Empty(t, ch.published)
}

func TestPublisher_BrokerErrorsDoNotStopTheLoop(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	p, err := newPublisher(ch, nil, "events", nil)
	require.NoError(t, err)

	p.Publish(&conversation.Event{Type: conversation.EventMessageUpdate, PhoneKey: "111"})
	p.Publish(&conversation.Event{Type: conversation.EventMessageUpdate, PhoneKey: "222"})
	assert.NoError(t, p.Close())
}
