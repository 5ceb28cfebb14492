package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conectcrm/triageflow/internal/models"
)

// MemoryService is an in-process Service implementation. It backs the webchat
// channel, where inbound messages arrive over the HTTP API instead of a
// provider webhook, and doubles as the transport for tests.
type MemoryService struct {
	companyID string
	channel   models.Channel
	inbound   chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
	sent      []SentMessage
}

// SentMessage records one outbound message for inspection in tests.
type SentMessage struct {
	To   string
	Body string
}

// NewMemoryService creates a MemoryService delivering on the given channel.
func NewMemoryService(companyID string, channel models.Channel) *MemoryService {
	return &MemoryService{
		companyID: companyID,
		channel:   channel,
		inbound:   make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient trims the recipient; webchat addresses are
// opaque session handles, so no phone normalization applies.
func (s *MemoryService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyContactAddress
	}
	return recipient, nil
}

// Start is a no-op for the in-memory transport.
func (s *MemoryService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *MemoryService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.inbound)
	return nil
}

// SendMessage records the outbound message.
func (s *MemoryService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	return nil
}

// Inbound returns the channel of incoming contact messages.
func (s *MemoryService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// Sent returns a copy of all outbound messages recorded so far.
func (s *MemoryService) Sent() []SentMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Receive injects an inbound contact message onto the Inbound channel,
// stamping the service's company and channel. It is meant for in-process
// feeding of the router's Run loop, for example from tests or local tooling;
// webchat posts arriving over HTTP are dispatched by the API layer directly.
func (s *MemoryService) Receive(from, body, messageID string) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("MemoryService dropping inbound message (service stopped)", "from", from)
		return
	}

	msg := models.InboundMessage{
		CompanyID:      s.companyID,
		Channel:        s.channel,
		ContactAddress: from,
		Body:           body,
		MessageID:      messageID,
		Timestamp:      time.Now(),
	}
	select {
	case s.inbound <- msg:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("MemoryService inbound channel blocked, dropping message", "from", from)
	}
}
