// ABOUTME: WhatsApp webhook endpoints: subscription verification and inbound delivery
// ABOUTME: Deliveries are acknowledged immediately and processed on tracked background workers

package gateway

import (
	"context"
	"io"
	"mime"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/2389/switchboard/internal/webhook"
)

const (
	webhookPath    = "/webhook/whatsapp"
	maxWebhookBody = 1 << 20
	ackBody        = "EVENT_RECEIVED"
)

// handleWebhookVerify answers the provider's subscription handshake.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "missing verification parameters")
		return
	}

	verifyToken := g.config.Webhook.VerifyToken
	if mode != "subscribe" || verifyToken == "" || token != verifyToken {
		g.logger.Warn("webhook verification rejected", "mode", mode)
		g.sendJSONError(w, http.StatusForbidden, "verification failed")
		return
	}

	g.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleWebhookReceive acknowledges every delivery with 200, whatever the
// body, so the provider never retries a payload we cannot use.
func (g *Gateway) handleWebhookReceive(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		g.logger.Warn("reading webhook body failed", "error", err)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ackBody)

	if len(payload) > 0 {
		g.dispatch(payload)
	}
}

// readPayload returns the body as JSON, converting form posts.
func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return webhook.FormPayload(r.PostForm), nil
	}
	return io.ReadAll(r.Body)
}

// dispatch processes payload on a tracked worker with its own deadline.
func (g *Gateway) dispatch(payload []byte) {
	g.workers.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.config.Webhook.ProcessingTimeout)
		defer cancel()
		g.process(ctx, payload)
	})
}

func (g *Gateway) process(ctx context.Context, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic processing webhook", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	c := webhook.Normalize(payload)
	if c.Kind == webhook.KindMessage {
		if id := c.Message.ExternalMessageID; g.dedupe.CheckAndMark(id) {
			g.metrics.WebhookDuplicatesTotal.Inc()
			g.logger.Info("duplicate webhook delivery ignored", "external_id", id)
			return
		}
	}

	start := time.Now()
	d, err := g.service.HandleInbound(ctx, c)
	if err != nil {
		g.logger.Error("processing webhook failed",
			"kind", c.Kind.String(),
			"shape", string(c.Shape),
			"elapsed", time.Since(start),
			"error", err)
		return
	}
	if d == nil {
		g.logger.Debug("webhook payload skipped", "kind", c.Kind.String(), "reason", c.Reason)
		return
	}
	g.logger.Info("webhook processed",
		"phone_key", d.PhoneKey,
		"action", string(d.Action),
		"elapsed", time.Since(start))
}

// handleWebhookStatus reports that the webhook endpoint is mounted.
func (g *Gateway) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "active",
		"webhook":   webhookPath,
		"timestamp": time.Now().UTC(),
	})
}
