// ABOUTME: Tests for the conversation Service inbound and operator-send paths
// ABOUTME: Verifies record-then-deliver ordering, apologies, metrics and delivery failures

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/webhook"
)

type sentMessage struct {
	to   string
	text string
}

// fakeTransport records deliveries and can be told to fail.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return "wamid.out", nil
}

// countingMetrics tallies outcomes by name.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) InboundClassified(kind, _ string) { m.inc("inbound:" + kind) }
func (m *countingMetrics) RouteDecided(action string) { m.inc("route:" + action) }
func (m *countingMetrics) ResponderResult(outcome string, _ time.Duration) { m.inc("responder:" + outcome) }
func (m *countingMetrics) TransportResult(outcome string) { m.inc("transport:" + outcome) }

type serviceFixture struct {
	svc       *Service
	store     *Store
	responder *fakeResponder
	transport *fakeTransport
	metrics   *countingMetrics
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mc, st, responder, _ := createTestController(t, DefaultModeConfig())
	transport := &fakeTransport{}
	metrics := &countingMetrics{}
	svc := NewService(st, mc, transport, metrics, ServiceConfig{}, nil)
	return &serviceFixture{svc: svc, store: st, responder: responder, transport: transport, metrics: metrics}
}

func messageClassification(from, text, name string) webhook.Classification {
	return webhook.Classification{
		Kind:    webhook.KindMessage,
		Shape:   webhook.ShapeMessages,
		Message: inbound(from, text, name),
	}
}

func TestService_HandleInboundDeliversAIReply(t *testing.T) {
	f := newServiceFixture(t)

	d, err := f.svc.HandleInbound(t.Context(), messageClassification("+5491112345678", "Hola", "Ana"))
	require.NoError(t, err)
	assert.Equal(t, ActionAnswered, d.Action)

	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, "5491112345678", f.transport.sent[0].to, "replies go to the canonical key")
	assert.Equal(t, "¡Hola! ¿En qué te ayudo?", f.transport.sent[0].text)
	assert.Equal(t, 1, f.metrics.get("responder:ok"))
	assert.Equal(t, 1, f.metrics.get("transport:ok"))
	assert.Equal(t, 1, f.metrics.get("route:answered"))
}

func TestService_HandleInboundSkipsNonMessages(t *testing.T) {
	f := newServiceFixture(t)

	for _, c := range []webhook.Classification{
		{Kind: webhook.KindStatusUpdate, Shape: webhook.ShapeEntry},
		{Kind: webhook.KindUnsupported, Shape: webhook.ShapeMessages, Reason: "content type image",
			Message: &webhook.InboundMessage{FromPhoneRaw: "111", ContentType: "image"}},
		{Kind: webhook.KindUnrecognized},
	} {
		d, err := f.svc.HandleInbound(t.Context(), c)
		require.NoError(t, err)
		assert.Nil(t, d)
	}

	assert.Empty(t, f.transport.sent)
	assert.Zero(t, f.responder.calls())
	assert.Equal(t, 1, f.metrics.get("inbound:status_update"))
	assert.Equal(t, 1, f.metrics.get("inbound:unsupported"))

	all, err := f.store.GetAllConversations(t.Context())
	require.NoError(t, err)
	assert.Empty(t, all, "nothing is stored for skipped payloads")
}

func TestService_HandleInboundEscalationSendsFixedReply(t *testing.T) {
	f := newServiceFixture(t)

	d, err := f.svc.HandleInbound(t.Context(), messageClassification("111", "precio de ppf", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionEscalated, d.Action)
	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, DefaultEscalationReply, f.transport.sent[0].text)
}

func TestService_HandleInboundQueuedSendsNothing(t *testing.T) {
	f := newServiceFixture(t)
	ctx := t.Context()

	_, err := f.store.SetManualMode(ctx, "111", "alice")
	require.NoError(t, err)
	_, _, err = f.store.AddMessage(ctx, "111", "ya te atiendo", store.SenderOperator, "", "")
	require.NoError(t, err)

	d, err := f.svc.HandleInbound(ctx, messageClassification("111", "ok", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, d.Action)
	assert.Empty(t, f.transport.sent)
}

func TestService_ResponderFailureSendsApology(t *testing.T) {
	f := newServiceFixture(t)
	f.responder.err = errors.New("quota exceeded")
	ctx := t.Context()

	_, err := f.svc.HandleInbound(ctx, messageClassification("111", "hola", ""))
	require.ErrorIs(t, err, ErrResponderFailed)

	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, DefaultApologyReply, f.transport.sent[0].text)
	assert.Equal(t, 1, f.metrics.get("responder:error"))

	history, err := f.store.GetMessageHistory(ctx, "111", 0)
	require.NoError(t, err)
	require.Len(t, history, 1, "the apology is not stored")
	assert.Equal(t, store.SenderUser, history[0].Sender)
}

func TestService_TransportFailureKeepsStoredReply(t *testing.T) {
	f := newServiceFixture(t)
	f.transport.err = errors.New("meta api down")
	ctx := t.Context()

	d, err := f.svc.HandleInbound(ctx, messageClassification("111", "hola", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionAnswered, d.Action)
	assert.Equal(t, 1, f.metrics.get("transport:error"))

	history, err := f.store.GetMessageHistory(ctx, "111", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_SendAsOperator(t *testing.T) {
	f := newServiceFixture(t)
	ctx := t.Context()

	_, _, err := f.store.AddMessage(ctx, "111", "hola", store.SenderUser, "Ana", "")
	require.NoError(t, err)

	msg, deliveryID, err := f.svc.SendAsOperator(ctx, "+111", "  Hola Ana, te ayudo  ", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", deliveryID)
	assert.Equal(t, store.SenderOperator, msg.Sender)
	assert.Equal(t, "Hola Ana, te ayudo", msg.Text)

	conv, err := f.store.GetConversation(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "Ana", conv.ContactName)
	assert.Equal(t, store.ModeAuto, conv.Mode, "sending does not force manual mode")
	assert.Equal(t, 2, conv.MessageCount)
}

func TestService_SendAsOperatorRejectsEmpty(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.SendAsOperator(t.Context(), "111", "   ", "alice")
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, f.transport.sent)
}

func TestService_SendAsOperatorDeliveryFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.transport.err = errors.New("recipient not allowed")
	ctx := t.Context()

	msg, _, err := f.svc.SendAsOperator(ctx, "111", "hola", "alice")
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotNil(t, msg, "the message is stored even when delivery fails")

	history, err := f.store.GetMessageHistory(ctx, "111", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
