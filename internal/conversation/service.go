// ABOUTME: Service is the orchestration layer between webhooks, routing and the outbound transport
// ABOUTME: Record first, then act: every reply is stored before it is delivered

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/webhook"
)

// ErrEmptyMessage is returned when an operator tries to send blank text.
var ErrEmptyMessage = errors.New("message text is required")

// ErrDeliveryFailed wraps transport failures on the operator send path.
var ErrDeliveryFailed = errors.New("delivery failed")

// DefaultApologyReply is sent when the AI responder fails.
const DefaultApologyReply = "Lo siento, hubo un problema procesando tu mensaje. Por favor intenta de nuevo."

// Transport delivers text to a contact and returns the provider message id.
type Transport interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// Metrics receives routing outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	InboundClassified(kind, shape string)
	RouteDecided(action string)
	ResponderResult(outcome string, elapsed time.Duration)
	TransportResult(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) InboundClassified(string, string) {}
func (nopMetrics) RouteDecided(string) {}
func (nopMetrics) ResponderResult(string, time.Duration) {}
func (nopMetrics) TransportResult(string) {}

// ServiceConfig tunes the orchestrator.
type ServiceConfig struct {
	ApologyReply     string
	TransportTimeout time.Duration
}

// Service handles the inbound and operator-send paths.
type Service struct {
	store     *Store
	router    *ModeController
	transport Transport
	metrics   Metrics
	cfg       ServiceConfig
	logger    *slog.Logger
}

// NewService creates a Service. Pass nil metrics to discard them.
func NewService(st *Store, router *ModeController, transport Transport, metrics Metrics, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.ApologyReply == "" {
		cfg.ApologyReply = DefaultApologyReply
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 15 * time.Second
	}
	return &Service{
		store:     st,
		router:    router,
		transport: transport,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With("component", "conversation"),
	}
}

// HandleInbound processes one classified webhook delivery. Non-message
// classifications return a nil Decision and no error.
func (s *Service) HandleInbound(ctx context.Context, c webhook.Classification) (*Decision, error) {
	s.metrics.InboundClassified(c.Kind.String(), string(c.Shape))

	switch c.Kind {
	case webhook.KindMessage:
	case webhook.KindStatusUpdate:
		s.logger.Debug("status update ignored")
		return nil, nil
	default:
		attrs := []any{"kind", c.Kind.String(), "shape", c.Shape, "reason", c.Reason}
		if c.Message != nil {
			attrs = append(attrs, "content_type", c.Message.ContentType)
		}
		s.logger.Info("inbound payload skipped", attrs...)
		return nil, nil
	}

	start := time.Now()
	d, err := s.router.Route(ctx, c.Message)
	if errors.Is(err, ErrResponderFailed) {
		s.metrics.ResponderResult("error", time.Since(start))
		s.metrics.RouteDecided("failed")
		s.logger.Error("AI responder failed", "phone_key", d.PhoneKey, "error", err)
		s.sendApology(ctx, d.PhoneKey)
		return d, err
	}
	if err != nil {
		s.metrics.RouteDecided("failed")
		return nil, err
	}

	if d.Action == ActionAnswered {
		s.metrics.ResponderResult("ok", time.Since(start))
	}
	s.metrics.RouteDecided(string(d.Action))
	s.logger.Info("inbound message routed",
		"phone_key", d.PhoneKey,
		"action", d.Action,
		"mode", d.Conversation.Mode)

	if d.Reply == "" {
		return d, nil
	}
	if _, err := s.deliver(ctx, d.PhoneKey, d.Reply); err != nil {
		// The reply is already in history; delivery is not retried.
		s.logger.Error("delivering reply failed", "phone_key", d.PhoneKey, "action", d.Action, "error", err)
	}
	return d, nil
}

// SendAsOperator records text as an operator message and delivers it.
// A delivery failure is returned wrapped in ErrDeliveryFailed together
// with the stored message. Sending does not change the conversation mode.
func (s *Service) SendAsOperator(ctx context.Context, rawPhone, text, operatorID string) (*store.Message, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", ErrEmptyMessage
	}

	conv, err := s.store.GetConversation(ctx, rawPhone)
	if err != nil {
		return nil, "", err
	}

	msg, _, err := s.store.AddMessage(ctx, conv.PhoneKey, text, store.SenderOperator, conv.ContactName, "")
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("operator message recorded", "phone_key", conv.PhoneKey, "operator", operatorID, "message_id", msg.ID)

	deliveryID, err := s.deliver(ctx, conv.PhoneKey, text)
	if err != nil {
		return msg, "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return msg, deliveryID, nil
}

func (s *Service) deliver(ctx context.Context, phoneKey, text string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TransportTimeout)
	defer cancel()

	id, err := s.transport.Send(tctx, phoneKey, text)
	if err != nil {
		s.metrics.TransportResult("error")
		return "", err
	}
	s.metrics.TransportResult("ok")
	s.logger.Debug("message delivered", "phone_key", phoneKey, "delivery_id", id)
	return id, nil
}

func (s *Service) sendApology(ctx context.Context, phoneKey string) {
	if _, err := s.deliver(ctx, phoneKey, s.cfg.ApologyReply); err != nil {
		s.logger.Error("delivering apology failed", "phone_key", phoneKey, "error", err)
	}
}
