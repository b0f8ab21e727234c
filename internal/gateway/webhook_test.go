// ABOUTME: Tests for webhook verification and inbound delivery handling
// ABOUTME: Covers the always-200 ack, async routing, form callbacks and redelivery dedupe

package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

const textPayload = `{"messages":[{"from":"5491112345678","id":"wamid.IN1","type":"text","text":{"body":"Hola"}}],"contacts":[{"profile":{"name":"Ana"}}]}`

func TestWebhookVerify(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=1", http.StatusForbidden, ""},
		{"missing params", "hub.challenge=1", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.do(t, http.MethodGet, "/webhook/whatsapp?"+tt.query, "")
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestWebhookVerify_NoConfiguredTokenRejects(t *testing.T) {
	tg := newTestGateway(t)
	tg.gw.config.Webhook.VerifyToken = ""

	rec := tg.do(t, http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=x&hub.challenge=1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookReceive_AlwaysAcknowledges(t *testing.T) {
	tg := newTestGateway(t)

	for _, body := range []string{"{not json", "", `{}`, `{"entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`} {
		rec := tg.do(t, http.MethodPost, "/webhook/whatsapp", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())
	}
	tg.gw.workers.Wait()

	assert.Empty(t, tg.transport.messages())
	assert.Zero(t, tg.responder.calls())
}

func TestWebhookReceive_AnswersTextMessage(t *testing.T) {
	tg := newTestGateway(t)
	tg.postWebhook(t, textPayload)

	sent := tg.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "5491112345678", sent[0].to)
	assert.Equal(t, tg.responder.reply, sent[0].text)

	conv, err := tg.gw.store.GetConversation(t.Context(), "5491112345678")
	require.NoError(t, err)
	assert.Equal(t, "Ana", conv.ContactName)
	assert.Equal(t, 2, conv.MessageCount)

	history, err := tg.gw.store.GetMessageHistory(t.Context(), "5491112345678", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "wamid.IN1", history[0].ExternalID)
	assert.Equal(t, store.SenderAI, history[1].Sender)
}

func TestWebhookReceive_DropsRedelivery(t *testing.T) {
	tg := newTestGateway(t)

	tg.postWebhook(t, textPayload)
	tg.postWebhook(t, textPayload)

	assert.Equal(t, 1, tg.responder.calls())
	assert.Len(t, tg.transport.messages(), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(tg.gw.metrics.WebhookDuplicatesTotal), 0)
}

func TestWebhookReceive_FormCallbackOnRoot(t *testing.T) {
	tg := newTestGateway(t)

	form := url.Values{
		"Body":        {"Buen día"},
		"From":        {"whatsapp:+5491198765432"},
		"ProfileName": {"Luis"},
		"MessageSid":  {"SM123"},
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	tg.gw.workers.Wait()

	conv, err := tg.gw.store.GetConversation(t.Context(), "5491198765432")
	require.NoError(t, err)
	assert.Equal(t, "Luis", conv.ContactName)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestWebhookReceive_ManualConversationGetsCourtesyOnce(t *testing.T) {
	tg := newTestGateway(t)
	_, err := tg.gw.store.SetManualMode(t.Context(), "5491112345678", "alice")
	require.NoError(t, err)

	tg.postWebhook(t, textPayload)
	tg.postWebhook(t, strings.Replace(textPayload, "wamid.IN1", "wamid.IN2", 1))

	assert.Zero(t, tg.responder.calls())
	sent := tg.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, conversation.DefaultCourtesyReply, sent[0].text)
}

func TestWebhookReceive_KeywordEscalates(t *testing.T) {
	tg := newTestGateway(t)
	tg.postWebhook(t, strings.Replace(textPayload, `"Hola"`, `"Quiero instalar PPF"`, 1))

	assert.Zero(t, tg.responder.calls())
	sent := tg.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, conversation.DefaultEscalationReply, sent[0].text)

	manual, err := tg.gw.store.IsManualMode(t.Context(), "whatsapp:+5491112345678")
	require.NoError(t, err)
	assert.True(t, manual)
}

func TestWebhookStatus(t *testing.T) {
	tg := newTestGateway(t)
	body := decodeJSON[map[string]any](t, tg.do(t, http.MethodGet, "/webhook/whatsapp/status", ""))
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "/webhook/whatsapp", body["webhook"])
}
