// ABOUTME: Operator JSON API over conversations: listing, history, mode switches and sends
// ABOUTME: All errors are {"error": msg} bodies with a 4xx or 5xx status

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
)

const maxAPIBody = 64 << 10

// ModeRequest is the optional body of POST .../manual.
type ModeRequest struct {
	Operator string `json:"operator"`
}

// SendRequest is the body of POST .../messages.
type SendRequest struct {
	Message string `json:"message"`
}

// ModeResponse is returned by the mode switch endpoints.
type ModeResponse struct {
	Success      bool                `json:"success"`
	Conversation *store.Conversation `json:"conversation"`
	Message      string              `json:"message"`
}

// SendResponse is returned by the operator send endpoints.
type SendResponse struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Data       *store.Message `json:"data"`
	DeliveryID string         `json:"deliveryId,omitempty"`
}

// ConversationResponse is a conversation with its message history.
type ConversationResponse struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []*store.Message    `json:"messages"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.GetStats(r.Context())
	if err != nil {
		g.internalError(w, "getting stats", err)
		return
	}
	g.sendJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var (
		convs []*store.Conversation
		err   error
	)
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		convs, err = g.store.GetActiveConversations(r.Context())
	} else {
		convs, err = g.store.GetAllConversations(r.Context())
	}
	if err != nil {
		g.internalError(w, "listing conversations", err)
		return
	}
	g.sendJSON(w, http.StatusOK, convs)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]

	limit := conversation.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	conv, err := g.store.GetConversation(r.Context(), phone)
	if err != nil {
		g.internalError(w, "getting conversation", err)
		return
	}
	messages, err := g.store.GetMessageHistory(r.Context(), phone, limit)
	if err != nil {
		g.internalError(w, "getting message history", err)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	g.sendJSON(w, http.StatusOK, ConversationResponse{Conversation: conv, Messages: messages})
}

func (g *Gateway) handleSetManual(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = auth.OperatorID(r.Context())
	}

	conv, err := g.store.SetManualMode(r.Context(), mux.Vars(r)["phone"], operator)
	if err != nil {
		g.internalError(w, "enabling manual mode", err)
		return
	}
	g.sendJSON(w, http.StatusOK, ModeResponse{
		Success:      true,
		Conversation: conv,
		Message:      "Manual mode enabled",
	})
}

func (g *Gateway) handleSetAuto(w http.ResponseWriter, r *http.Request) {
	conv, err := g.store.SetAutoMode(r.Context(), mux.Vars(r)["phone"])
	if err != nil {
		g.internalError(w, "enabling auto mode", err)
		return
	}
	g.sendJSON(w, http.StatusOK, ModeResponse{
		Success:      true,
		Conversation: conv,
		Message:      "Auto mode enabled",
	})
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	operator := auth.OperatorID(r.Context())
	if operator == "" {
		operator = conversation.DefaultOperator
	}

	msg, deliveryID, err := g.service.SendAsOperator(r.Context(), mux.Vars(r)["phone"], req.Message, operator)
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, conversation.ErrDeliveryFailed):
		g.logger.Error("operator message not delivered", "phone_key", store.CanonicalPhone(mux.Vars(r)["phone"]), "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "message saved but delivery failed")
		return
	case err != nil:
		g.internalError(w, "sending operator message", err)
		return
	}

	g.sendJSON(w, http.StatusOK, SendResponse{
		Success:    true,
		Message:    "Message sent",
		Data:       msg,
		DeliveryID: deliveryID,
	})
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	res, err := g.store.DeleteConversation(r.Context(), mux.Vars(r)["phone"])
	if err != nil {
		g.internalError(w, "deleting conversation", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      res.Message,
		"deletedPhone": res.DeletedPhone,
	})
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	convs, err := g.store.SearchConversations(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		g.internalError(w, "searching conversations", err)
		return
	}
	g.sendJSON(w, http.StatusOK, convs)
}

// decodeOptionalJSON decodes the body into v. An empty body leaves v untouched.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxAPIBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (g *Gateway) internalError(w http.ResponseWriter, action string, err error) {
	g.logger.Error(fmt.Sprintf("%s failed", action), "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, action+" failed")
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
