// ABOUTME: Outbound WhatsApp text delivery over the Meta Cloud API or 360dialog
// ABOUTME: Normalizes recipients, truncates long bodies and decodes provider error envelopes

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidRecipient is returned when the recipient is empty after normalization.
var ErrInvalidRecipient = errors.New("invalid recipient")

// MaxTextLength is the longest body WhatsApp accepts for a text message.
const MaxTextLength = 4096

const truncationSuffix = "..."

// Provider selects the outbound API.
type Provider string

const (
	ProviderCloud     Provider = "cloud"
	ProviderDialog360 Provider = "dialog360"
)

const (
	DefaultCloudBaseURL     = "https://graph.facebook.com"
	DefaultDialog360BaseURL = "https://waba-v2.360dialog.io"
	DefaultAPIVersion       = "v18.0"
	DefaultTimeout          = 15 * time.Second
)

// Config configures a Client.
type Config struct {
	Provider      Provider
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	APIKey        string
	Timeout       time.Duration
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("whatsapp api error: status %d, code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp api error: status %d: %s", e.Status, e.Message)
}

// DeliveryResult describes an accepted message.
type DeliveryResult struct {
	MessageID string
	Recipient string
	Truncated bool
}

type textBody struct {
	Body string `json:"body"`
}

type outboundMessage struct {
	MessagingProduct string   `json:"messaging_product,omitempty"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

// Client sends text messages through one provider.
type Client struct {
	http     *resty.Client
	provider Provider
	path     string
	logger   *slog.Logger
}

var _ conversation.Transport = (*Client)(nil)

// New creates a Client for cfg.Provider.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	c := &Client{
		http:     httpClient,
		provider: cfg.Provider,
		logger:   logger.With("component", "transport", "provider", string(cfg.Provider)),
	}

	switch cfg.Provider {
	case ProviderCloud, "":
		if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
			return nil, fmt.Errorf("cloud transport requires phone_number_id and access_token")
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = DefaultCloudBaseURL
		}
		if cfg.APIVersion == "" {
			cfg.APIVersion = DefaultAPIVersion
		}
		c.provider = ProviderCloud
		c.path = "/" + cfg.APIVersion + "/" + cfg.PhoneNumberID + "/messages"
		httpClient.SetAuthToken(cfg.AccessToken)
	case ProviderDialog360:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("dialog360 transport requires api_key")
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = DefaultDialog360BaseURL
		}
		c.path = "/v1/messages"
		httpClient.SetHeader("D360-API-KEY", cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Provider)
	}

	httpClient.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	return c, nil
}

// Send delivers text to the contact and returns the provider message id.
func (c *Client) Send(ctx context.Context, to, text string) (string, error) {
	res, err := c.Deliver(ctx, to, text)
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// Deliver normalizes the recipient and body and posts one text message.
func (c *Client) Deliver(ctx context.Context, to, text string) (*DeliveryResult, error) {
	recipient := store.CanonicalPhone(to)
	if c.provider == ProviderCloud {
		recipient = ArgentineMobile(recipient)
	}
	if recipient == "" {
		return nil, ErrInvalidRecipient
	}

	body, truncated := Truncate(text)
	if truncated {
		c.logger.Warn("message truncated", "recipient", recipient, "length", utf8.RuneCountInString(text))
	}

	msg := outboundMessage{To: recipient, Type: "text", Text: textBody{Body: body}}
	if c.provider == ProviderCloud {
		msg.MessagingProduct = "whatsapp"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(msg).
		Post(c.path)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	if resp.IsError() {
		apiErr := decodeError(resp.StatusCode(), resp.Body())
		c.logger.Error("provider rejected message",
			"recipient", recipient,
			"status", apiErr.Status,
			"code", apiErr.Code,
			"error", apiErr.Message)
		return nil, apiErr
	}

	res := &DeliveryResult{
		MessageID: gjson.GetBytes(resp.Body(), "messages.0.id").String(),
		Recipient: recipient,
		Truncated: truncated,
	}
	c.logger.Debug("message sent", "recipient", recipient, "message_id", res.MessageID)
	return res, nil
}

// ArgentineMobile drops the mobile "9" after the country code, which the
// Cloud API rejects for Argentine numbers.
func ArgentineMobile(phone string) string {
	if strings.HasPrefix(phone, "549") && len(phone) > 11 {
		return "54" + phone[3:]
	}
	return phone
}

// Truncate shortens text to MaxTextLength characters, marking the cut
// with a trailing ellipsis.
func Truncate(text string) (string, bool) {
	if utf8.RuneCountInString(text) <= MaxTextLength {
		return text, false
	}
	runes := []rune(text)
	return string(runes[:MaxTextLength-len(truncationSuffix)]) + truncationSuffix, true
}

// decodeError reads the Graph API envelope {"error":{...}} or the
// 360dialog envelope {"errors":[{...}]}.
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	parsed := gjson.ParseBytes(body)

	switch {
	case parsed.Get("error").IsObject():
		apiErr.Code = int(parsed.Get("error.code").Int())
		apiErr.Message = parsed.Get("error.message").String()
	case parsed.Get("errors.0").Exists():
		first := parsed.Get("errors.0")
		apiErr.Code = int(first.Get("code").Int())
		apiErr.Message = first.Get("details").String()
		if apiErr.Message == "" {
			apiErr.Message = first.Get("title").String()
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
