// ABOUTME: Tests for the OpenAI responder against a local httptest server
// ABOUTME: Verifies request shape, role mapping and error classification

package responder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

func newTestResponder(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(Config{
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/v1",
		Temperature:  DefaultTemperature,
		SystemPrompt: "Sos un asistente.",
	}, nil)
}

func completionJSON(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

func TestRespond_SendsHistoryAndReturnsReply(t *testing.T) {
	var got openai.ChatCompletionRequest
	r := newTestResponder(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/chat/completions", req.URL.Path)
		assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("  Hola, ¿qué necesitás?  ")))
	})

	reply, err := r.Respond(t.Context(), conversation.Prompt{
		PhoneKey: "111",
		Text:     "precio polarizado",
		History: []*store.Message{
			{Sender: store.SenderUser, Text: "hola"},
			{Sender: store.SenderAI, Text: "¡Hola!"},
			{Sender: store.SenderOperator, Text: "Soy Ana"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hola, ¿qué necesitás?", reply)

	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	assert.InDelta(t, DefaultTemperature, got.Temperature, 0.0001)

	require.Len(t, got.Messages, 5)
	roles := make([]string, len(got.Messages))
	for i, m := range got.Messages {
		roles[i] = m.Role
	}
	assert.Equal(t, []string{"system", "user", "assistant", "assistant", "user"}, roles)
	assert.Equal(t, "Sos un asistente.", got.Messages[0].Content)
	assert.Equal(t, "precio polarizado", got.Messages[4].Content)
}

func TestRespond_EmptyCompletion(t *testing.T) {
	r := newTestResponder(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("   ")))
	})

	_, err := r.Respond(t.Context(), conversation.Prompt{PhoneKey: "111", Text: "hola"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestRespond_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"quota", http.StatusTooManyRequests, "insufficient_quota", ErrQuotaExceeded},
		{"bad key", http.StatusUnauthorized, "invalid_api_key", ErrInvalidCredentials},
		{"unauthorized without code", http.StatusUnauthorized, "", ErrInvalidCredentials},
		{"rate limit", http.StatusTooManyRequests, "rate_limit_exceeded", ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResponder(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				body, _ := json.Marshal(map[string]any{
					"error": map[string]any{"message": "nope", "type": "error", "code": tt.code},
				})
				_, _ = w.Write(body)
			})

			_, err := r.Respond(t.Context(), conversation.Prompt{PhoneKey: "111", Text: "hola"})
			require.ErrorIs(t, err, tt.want)

			var apiErr *openai.APIError
			assert.ErrorAs(t, err, &apiErr, "provider error stays reachable")
		})
	}
}

func TestRespond_ServerErrorIsUnclassified(t *testing.T) {
	r := newTestResponder(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := r.Respond(t.Context(), conversation.Prompt{PhoneKey: "111", Text: "hola"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestBuildMessages_SkipsBlankHistory(t *testing.T) {
	msgs := BuildMessages("sys", conversation.Prompt{
		Text:    "hola",
		History: []*store.Message{{Sender: store.SenderUser, Text: "  "}},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "hola", msgs[1].Content)
}
