// ABOUTME: Transport used when no provider credentials are configured
// ABOUTME: Sends fail immediately; messages are still recorded by the caller

package transport

import (
	"context"
	"errors"

	"github.com/2389/switchboard/internal/conversation"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("whatsapp transport not configured")

// Disabled rejects every send.
type Disabled struct{}

var _ conversation.Transport = Disabled{}

func (Disabled) Send(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}
