// ABOUTME: Tests for ModeController routing decisions
// ABOUTME: Covers AI answers, keyword escalation, courtesy notices and responder failures

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/webhook"
)

// fakeResponder returns a canned reply and records prompts.
type fakeResponder struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []Prompt
}

func (f *fakeResponder) Respond(ctx context.Context, prompt Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func (f *fakeResponder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func inbound(from, text, name string) *webhook.InboundMessage {
	return &webhook.InboundMessage{
		FromPhoneRaw: from,
		Text:         text,
		ContentType:  webhook.ContentTypeText,
		ContactName:  name,
	}
}

func createTestController(t *testing.T, cfg ModeConfig) (*ModeController, *Store, *fakeResponder, *fakeClock) {
	t.Helper()
	st, _, clock := createTestStore(t)
	responder := &fakeResponder{reply: "¡Hola! ¿En qué te ayudo?"}
	return NewModeController(st, responder, cfg, nil), st, responder, clock
}

func senders(msgs []*store.Message) []store.Sender {
	out := make([]store.Sender, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sender
	}
	return out
}

func TestRoute_AutoAnswersWithAI(t *testing.T) {
	mc, st, responder, _ := createTestController(t, DefaultModeConfig())
	ctx := t.Context()

	d, err := mc.Route(ctx, inbound("5491112345678", "Hola", "Ana"))
	require.NoError(t, err)
	assert.Equal(t, ActionAnswered, d.Action)
	assert.Equal(t, "¡Hola! ¿En qué te ayudo?", d.Reply)
	assert.Equal(t, "Ana", d.ContactName)
	assert.Equal(t, 1, responder.calls())

	history, err := st.GetMessageHistory(ctx, "5491112345678", 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Sender{store.SenderUser, store.SenderAI}, senders(history))
	assert.Equal(t, "¡Hola! ¿En qué te ayudo?", history[1].Text)
}

func TestRoute_ResponderSeesPrecedingTurnsOnly(t *testing.T) {
	mc, st, responder, clock := createTestController(t, DefaultModeConfig())
	ctx := t.Context()

	for i := range 8 {
		clock.Advance(time.Second)
		_, _, err := st.AddMessage(ctx, "111", fmt.Sprintf("turn %d", i), store.SenderUser, "", "")
		require.NoError(t, err)
	}
	clock.Advance(time.Second)

	_, err := mc.Route(ctx, inbound("111", "y ahora?", ""))
	require.NoError(t, err)

	require.Len(t, responder.prompts, 1)
	p := responder.prompts[0]
	assert.Equal(t, "111", p.PhoneKey)
	assert.Equal(t, "y ahora?", p.Text)
	require.Len(t, p.History, 6)
	assert.Equal(t, "turn 2", p.History[0].Text)
	assert.Equal(t, "turn 7", p.History[5].Text)
}

func TestRoute_KeywordEscalates(t *testing.T) {
	mc, st, responder, _ := createTestController(t, DefaultModeConfig())
	ctx := t.Context()

	d, err := mc.Route(ctx, inbound("+5491100000000", "Quiero cotizar PPF para mi auto", "Luis"))
	require.NoError(t, err)
	assert.Equal(t, ActionEscalated, d.Action)
	assert.Equal(t, DefaultEscalationReply, d.Reply)
	assert.Zero(t, responder.calls(), "AI must not be called on escalation")

	conv, err := st.GetConversation(ctx, "5491100000000")
	require.NoError(t, err)
	assert.Equal(t, store.ModeManual, conv.Mode)
	require.NotNil(t, conv.AssignedOperator)
	assert.Equal(t, AutoDetectedOperator, *conv.AssignedOperator)

	history, err := st.GetMessageHistory(ctx, "5491100000000", 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Sender{store.SenderUser, store.SenderAI}, senders(history))
	assert.Equal(t, DefaultEscalationReply, history[1].Text)
}

func TestMatchKeyword(t *testing.T) {
	mc, _, _, _ := createTestController(t, DefaultModeConfig())

	tests := []struct {
		text    string
		keyword string
		match   bool
	}{
		{"Hola, buen día", "", false},
		{"PPF", "ppf", true},
		{"necesito una INSTALACIÓN", "instalación", true},
		{"es un trabajo Especial", "trabajo especial", true},
		{"polarizado 3M", "polarizado 3m", true},
		{"precio del polarizado", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			k, ok := mc.MatchKeyword(tt.text)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.keyword, k)
		})
	}
}

func TestMatchKeyword_CustomList(t *testing.T) {
	mc, _, _, _ := createTestController(t, ModeConfig{Keywords: []string{"  Urgente "}})

	_, ok := mc.MatchKeyword("es urgente!")
	assert.True(t, ok)
	_, ok = mc.MatchKeyword("ppf")
	assert.False(t, ok, "a configured list replaces the defaults")
}

func TestRoute_ManualSendsCourtesyOncePerSession(t *testing.T) {
	mc, st, responder, clock := createTestController(t, DefaultModeConfig())
	ctx := t.Context()

	_, err := st.SetManualMode(ctx, "111", "alice")
	require.NoError(t, err)
	clock.Advance(time.Second)

	d, err := mc.Route(ctx, inbound("111", "hola?", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionCourtesy, d.Action)
	assert.Equal(t, DefaultCourtesyReply, d.Reply)

	clock.Advance(time.Second)
	d, err = mc.Route(ctx, inbound("111", "sigo esperando", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, d.Action)
	assert.Empty(t, d.Reply)
	assert.Zero(t, responder.calls())

	// A new manual session makes the notice due again.
	clock.Advance(time.Minute)
	_, err = st.SetAutoMode(ctx, "111")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = st.SetManualMode(ctx, "111", "bob")
	require.NoError(t, err)
	clock.Advance(time.Second)

	d, err = mc.Route(ctx, inbound("111", "hola de nuevo", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionCourtesy, d.Action)
}

func TestRoute_ManualRecentOperatorSuppressesCourtesy(t *testing.T) {
	mc, st, _, clock := createTestController(t, DefaultModeConfig())
	ctx := t.Context()

	_, err := st.SetManualMode(ctx, "111", "alice")
	require.NoError(t, err)
	_, _, err = st.AddMessage(ctx, "111", "Hola, soy Alice", store.SenderOperator, "", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	d, err := mc.Route(ctx, inbound("111", "gracias", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, d.Action)
	assert.Empty(t, d.Reply)

	history, err := st.GetMessageHistory(ctx, "111", 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Sender{store.SenderOperator, store.SenderUser}, senders(history))
}

func TestRoute_ManualStaleOperatorAllowsCourtesy(t *testing.T) {
	mc, st, _, clock := createTestController(t, DefaultModeConfig())
	ctx := t.Context()

	_, err := st.SetManualMode(ctx, "111", "alice")
	require.NoError(t, err)
	_, _, err = st.AddMessage(ctx, "111", "Hola, soy Alice", store.SenderOperator, "", "")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	d, err := mc.Route(ctx, inbound("111", "hola?", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionCourtesy, d.Action)
}

func TestRoute_ManualCourtesyDisabled(t *testing.T) {
	cfg := DefaultModeConfig()
	cfg.CourtesyEnabled = false
	mc, st, _, _ := createTestController(t, cfg)
	ctx := t.Context()

	_, err := st.SetManualMode(ctx, "111", "alice")
	require.NoError(t, err)

	d, err := mc.Route(ctx, inbound("111", "hola", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, d.Action)
	assert.Empty(t, d.Reply)
}

func TestRoute_KeywordWhileManualQueues(t *testing.T) {
	cfg := DefaultModeConfig()
	cfg.CourtesyEnabled = false
	mc, st, _, _ := createTestController(t, cfg)
	ctx := t.Context()

	_, err := st.SetManualMode(ctx, "111", "alice")
	require.NoError(t, err)

	d, err := mc.Route(ctx, inbound("111", "y el ppf?", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, d.Action)

	conv, err := st.GetConversation(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "alice", *conv.AssignedOperator, "operator is not replaced by auto-detection")
}

func TestRoute_ResponderFailure(t *testing.T) {
	mc, st, responder, _ := createTestController(t, DefaultModeConfig())
	responder.err = errors.New("upstream 500")
	ctx := t.Context()

	d, err := mc.Route(ctx, inbound("111", "hola", ""))
	require.ErrorIs(t, err, ErrResponderFailed)
	require.NotNil(t, d)
	assert.Equal(t, "111", d.PhoneKey)

	history, err := st.GetMessageHistory(ctx, "111", 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Sender{store.SenderUser}, senders(history), "inbound is kept, no AI reply stored")
}

func TestRoute_EmptyReplyIsFailure(t *testing.T) {
	mc, _, responder, _ := createTestController(t, DefaultModeConfig())
	responder.reply = "   "

	_, err := mc.Route(t.Context(), inbound("111", "hola", ""))
	require.ErrorIs(t, err, ErrResponderFailed)
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestRoute_EmptySenderIsRejected(t *testing.T) {
	mc, _, _, _ := createTestController(t, DefaultModeConfig())

	_, err := mc.Route(t.Context(), inbound(" + ", "hola", ""))
	require.Error(t, err)
}
