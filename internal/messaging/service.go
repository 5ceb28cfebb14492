// Package messaging defines the channel adapter port for TriageFlow.
//
// The engine treats transports as opaque: a Service delivers outbound text
// and surfaces inbound messages on a channel the router consumes. WhatsApp
// (whatsmeow) and Twilio implementations live alongside; tests use the
// in-memory service.
package messaging

import (
	"context"

	"github.com/conectcrm/triageflow/internal/models"
)

// Service defines a pluggable message transport abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a contact
	// address. Each transport implements its own addressing rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of incoming contact messages.
	Inbound() <-chan models.InboundMessage
}
