// ABOUTME: Responder used when no AI credentials are configured
// ABOUTME: Every prompt fails fast so the caller falls back to its apology path

package responder

import (
	"context"
	"errors"

	"github.com/2389/switchboard/internal/conversation"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("ai responder not configured")

// Disabled rejects every prompt.
type Disabled struct{}

var _ conversation.Responder = Disabled{}

func (Disabled) Respond(context.Context, conversation.Prompt) (string, error) {
	return "", ErrNotConfigured
}
