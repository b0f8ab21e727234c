// ABOUTME: OpenAI-compatible chat completion responder for AUTO-mode conversations
// ABOUTME: Maps stored history to chat roles and classifies provider errors into sentinels

package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

var (
	// ErrQuotaExceeded means the account has no remaining credit.
	ErrQuotaExceeded = errors.New("ai quota exceeded")
	// ErrInvalidCredentials means the API key was rejected.
	ErrInvalidCredentials = errors.New("ai credentials rejected")
	// ErrRateLimited means the provider throttled the request.
	ErrRateLimited = errors.New("ai rate limited")
	// ErrEmptyResponse means the completion carried no text.
	ErrEmptyResponse = errors.New("ai returned an empty response")
)

const (
	DefaultModel       = openai.GPT4o
	DefaultMaxTokens   = 200
	DefaultTemperature = 0.2
	DefaultTimeout     = 30 * time.Second

	DefaultSystemPrompt = "Sos el asistente de atención al cliente por WhatsApp. Respondé en español, de forma breve y cordial."
)

// Config configures the OpenAI responder.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float32
	SystemPrompt string
	Timeout      time.Duration
}

// OpenAI answers prompts with the chat completions API.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

var _ conversation.Responder = (*OpenAI)(nil)

// NewOpenAI creates a responder. Zero-valued fields take the package defaults.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "responder"),
	}
}

// Respond requests one completion for prompt.
func (o *OpenAI) Respond(ctx context.Context, prompt conversation.Prompt) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    BuildMessages(o.cfg.SystemPrompt, prompt),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		err = classify(err)
		o.logger.Warn("chat completion failed",
			"phone_key", prompt.PhoneKey,
			"model", o.cfg.Model,
			"elapsed", time.Since(start),
			"error", err)
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}

	o.logger.Debug("chat completion",
		"phone_key", prompt.PhoneKey,
		"model", resp.Model,
		"history", len(prompt.History),
		"total_tokens", resp.Usage.TotalTokens,
		"elapsed", time.Since(start))
	return text, nil
}

// BuildMessages renders the system prompt, prior turns and the current
// text as chat messages. Only user turns keep the user role; AI and
// operator turns are both the assistant.
func BuildMessages(systemPrompt string, prompt conversation.Prompt) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(prompt.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, h := range prompt.History {
		if strings.TrimSpace(h.Text) == "" {
			continue
		}
		role := openai.ChatMessageRoleAssistant
		if h.Sender == store.SenderUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: h.Text})
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.Text,
	})
}

// classify wraps provider errors with the matching sentinel.
func classify(err error) error {
	var (
		code   string
		status int
	)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return fmt.Errorf("chat completion: %w", err)
	}

	switch {
	case code == "insufficient_quota":
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	case code == "invalid_api_key" || status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	case code == "rate_limit_exceeded" || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("chat completion: %w", err)
}
