// ABOUTME: ModeController decides how each inbound message is answered
// ABOUTME: AUTO goes to the AI responder, keywords escalate to MANUAL, MANUAL queues for an operator

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

// ErrResponderFailed wraps any failure to obtain an AI reply.
var ErrResponderFailed = errors.New("responder failed")

// ErrEmptyReply is returned when the responder produces no text.
var ErrEmptyReply = errors.New("empty reply")

// AutoDetectedOperator is recorded when a keyword escalates a conversation.
const AutoDetectedOperator = "auto-detected"

// DefaultKeywords escalate a conversation to an operator on sight.
var DefaultKeywords = []string{
	"ppf",
	"instalacion",
	"instalación",
	"instalar",
	"premium",
	"transparente",
	"proteccion",
	"protección",
	"paint protection",
	"film protector",
	"vinilo premium",
	"3m serie",
	"mate pro shield",
	"black solar check",
	"antivandálico",
	"polarizado 3m",
	"trabajo especial",
	"personalizado",
	"complejo",
	"difícil",
}

const (
	DefaultEscalationReply = "Aguardame un minuto y te confirmo la disponibilidad de turnos"
	DefaultCourtesyReply   = "Tu consulta está siendo atendida por un agente. Te responderá en breve 👨‍💼"
)

// Prompt is everything the responder sees for one turn.
type Prompt struct {
	PhoneKey string
	Text     string
	// History holds the turns before Text, oldest first.
	History []*store.Message
}

// Responder produces the AI reply for an inbound message.
type Responder interface {
	Respond(ctx context.Context, prompt Prompt) (string, error)
}

// Action is what the controller did with an inbound message.
type Action string

const (
	ActionAnswered  Action = "answered"  // AI replied
	ActionEscalated Action = "escalated" // keyword moved the conversation to MANUAL
	ActionCourtesy  Action = "courtesy"  // MANUAL, one-time notice sent
	ActionQueued    Action = "queued"    // MANUAL, waiting for the operator
)

// Decision is the outcome of routing one inbound message. Reply is empty
// when nothing should be sent back.
type Decision struct {
	PhoneKey     string
	ContactName  string
	Action       Action
	Reply        string
	Conversation *store.Conversation
}

// ModeConfig tunes routing.
type ModeConfig struct {
	Keywords            []string
	EscalationReply     string
	CourtesyEnabled     bool
	CourtesyReply       string
	CourtesyQuietPeriod time.Duration
	HistoryTurns        int
	ResponderTimeout    time.Duration
}

// DefaultModeConfig returns the stock routing configuration.
func DefaultModeConfig() ModeConfig {
	return ModeConfig{
		Keywords:            DefaultKeywords,
		EscalationReply:     DefaultEscalationReply,
		CourtesyEnabled:     true,
		CourtesyReply:       DefaultCourtesyReply,
		CourtesyQuietPeriod: 5 * time.Minute,
		HistoryTurns:        6,
		ResponderTimeout:    30 * time.Second,
	}
}

// ModeController routes inbound messages according to conversation mode.
type ModeController struct {
	store     *Store
	responder Responder
	cfg       ModeConfig
	keywords  []string
	logger    *slog.Logger
}

// NewModeController creates a controller. Zero-valued config fields fall
// back to DefaultModeConfig.
func NewModeController(st *Store, responder Responder, cfg ModeConfig, logger *slog.Logger) *ModeController {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultModeConfig()
	if cfg.Keywords == nil {
		cfg.Keywords = def.Keywords
	}
	if cfg.EscalationReply == "" {
		cfg.EscalationReply = def.EscalationReply
	}
	if cfg.CourtesyReply == "" {
		cfg.CourtesyReply = def.CourtesyReply
	}
	if cfg.CourtesyQuietPeriod <= 0 {
		cfg.CourtesyQuietPeriod = def.CourtesyQuietPeriod
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = def.ResponderTimeout
	}

	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	return &ModeController{
		store:     st,
		responder: responder,
		cfg:       cfg,
		keywords:  keywords,
		logger:    logger.With("component", "mode_controller"),
	}
}

// MatchKeyword returns the first escalation keyword contained in text.
func (m *ModeController) MatchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range m.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

// Route records msg and decides the reply. On a responder failure the
// returned Decision still carries the phone key and the error wraps
// ErrResponderFailed.
func (m *ModeController) Route(ctx context.Context, msg *webhook.InboundMessage) (*Decision, error) {
	key := store.CanonicalPhone(msg.FromPhoneRaw)
	if key == "" {
		return nil, fmt.Errorf("routing message: empty sender")
	}

	inbound, conv, err := m.store.AddMessage(ctx, key, msg.Text, store.SenderUser, msg.ContactName, msg.ExternalMessageID)
	if err != nil {
		return nil, fmt.Errorf("recording inbound message: %w", err)
	}

	d := &Decision{
		PhoneKey:     key,
		ContactName:  conv.ContactName,
		Conversation: conv,
	}

	if !conv.IsManual() {
		if keyword, ok := m.MatchKeyword(msg.Text); ok {
			escalated, err := m.escalate(ctx, d, keyword)
			if err == nil {
				return escalated, nil
			}
			m.logger.Error("keyword escalation failed, answering with AI",
				"phone_key", key,
				"keyword", keyword,
				"error", err)
		}
	}

	if conv.IsManual() {
		return m.queue(ctx, d)
	}
	return m.answer(ctx, d, inbound)
}

func (m *ModeController) escalate(ctx context.Context, d *Decision, keyword string) (*Decision, error) {
	conv, err := m.store.SetManualMode(ctx, d.PhoneKey, AutoDetectedOperator)
	if err != nil {
		return nil, err
	}
	m.logger.Info("keyword escalation", "phone_key", d.PhoneKey, "keyword", keyword)

	d.Action = ActionEscalated
	d.Reply = m.cfg.EscalationReply
	d.Conversation = conv
	if _, conv, err = m.store.AddMessage(ctx, d.PhoneKey, d.Reply, store.SenderAI, "", ""); err != nil {
		m.logger.Warn("recording escalation reply failed", "phone_key", d.PhoneKey, "error", err)
	} else {
		d.Conversation = conv
	}
	return d, nil
}

func (m *ModeController) queue(ctx context.Context, d *Decision) (*Decision, error) {
	d.Action = ActionQueued
	if !m.cfg.CourtesyEnabled {
		return d, nil
	}

	history, err := m.store.GetMessageHistory(ctx, d.PhoneKey, DefaultHistoryLimit)
	if err != nil {
		m.logger.Warn("loading history for courtesy check failed", "phone_key", d.PhoneKey, "error", err)
		return d, nil
	}
	if !m.courtesyDue(d.Conversation, history) {
		return d, nil
	}

	d.Action = ActionCourtesy
	d.Reply = m.cfg.CourtesyReply
	if _, conv, err := m.store.AddMessage(ctx, d.PhoneKey, d.Reply, store.SenderAI, "", ""); err != nil {
		m.logger.Warn("recording courtesy notice failed", "phone_key", d.PhoneKey, "error", err)
	} else {
		d.Conversation = conv
	}
	return d, nil
}

// courtesyDue reports whether the one-time notice should go out: no
// operator spoke within the quiet period and no notice was sent in the
// current manual session.
func (m *ModeController) courtesyDue(conv *store.Conversation, history []*store.Message) bool {
	quietSince := m.store.now().UTC().Add(-m.cfg.CourtesyQuietPeriod)
	var sessionStart time.Time
	if conv.ManualModeStartedAt != nil {
		sessionStart = *conv.ManualModeStartedAt
	}

	for _, msg := range history {
		switch msg.Sender {
		case store.SenderOperator:
			if msg.Timestamp.After(quietSince) {
				return false
			}
		case store.SenderAI:
			if msg.Text == m.cfg.CourtesyReply && !msg.Timestamp.Before(sessionStart) {
				return false
			}
		}
	}
	return true
}

func (m *ModeController) answer(ctx context.Context, d *Decision, inbound *store.Message) (*Decision, error) {
	history, err := m.store.GetMessageHistory(ctx, d.PhoneKey, m.cfg.HistoryTurns+1)
	if err != nil {
		m.logger.Warn("loading history for responder failed", "phone_key", d.PhoneKey, "error", err)
		history = nil
	}
	turns := make([]*store.Message, 0, len(history))
	for _, h := range history {
		if h.ID != inbound.ID {
			turns = append(turns, h)
		}
	}
	if len(turns) > m.cfg.HistoryTurns {
		turns = turns[len(turns)-m.cfg.HistoryTurns:]
	}

	rctx, cancel := contextWithTimeout(ctx, m.cfg.ResponderTimeout)
	defer cancel()

	reply, err := m.responder.Respond(rctx, Prompt{PhoneKey: d.PhoneKey, Text: inbound.Text, History: turns})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyReply
	}
	if err != nil {
		return d, fmt.Errorf("%w: %w", ErrResponderFailed, err)
	}

	d.Action = ActionAnswered
	d.Reply = strings.TrimSpace(reply)
	if _, conv, err := m.store.AddMessage(ctx, d.PhoneKey, d.Reply, store.SenderAI, "", ""); err != nil {
		m.logger.Warn("recording AI reply failed", "phone_key", d.PhoneKey, "error", err)
	} else {
		d.Conversation = conv
	}
	return d, nil
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
