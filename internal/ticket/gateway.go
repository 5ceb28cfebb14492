// Package ticket integrates TriageFlow with the ConectCRM ticketing
// subsystem. The engine treats ticket creation as a black-box sink: it hands
// over the session's collected context and the target department, and stores
// the returned ticket id back onto the session.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/conectcrm/triageflow/internal/models"
	"github.com/conectcrm/triageflow/internal/util"
)

// DefaultRequestTimeout bounds one ticket-creation call.
const DefaultRequestTimeout = 10 * time.Second

// Request carries everything the ticketing subsystem needs to open a ticket
// from a triaged session.
type Request struct {
	SessionID      string                    `json:"session_id"`
	CompanyID      string                    `json:"company_id"`
	Channel        models.Channel            `json:"channel"`
	ContactAddress string                    `json:"contact_address"`
	Department     string                    `json:"department"`
	Context        map[models.VarName]string `json:"context,omitempty"`
}

// Gateway is the port to the ticketing subsystem. Implementations should be
// idempotent on SessionID: the router may retry after transient failures.
type Gateway interface {
	// CreateTicket opens a ticket and returns its id.
	CreateTicket(ctx context.Context, req Request) (string, error)
}

// Opts holds configuration options for the HTTP gateway.
type Opts struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Option defines a configuration option for the HTTP gateway.
type Option func(*Opts)

// WithBaseURL sets the ticketing API base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithToken sets the bearer token for the ticketing API.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithHTTPClient overrides the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.Client = c
	}
}

// HTTPGateway posts ticket requests to the ConectCRM ticketing API.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGateway creates an HTTP gateway, applying any provided options.
func NewHTTPGateway(opts ...Option) (*HTTPGateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ticket gateway base URL not set")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	slog.Debug("Ticket HTTPGateway created", "base_url", cfg.BaseURL, "token_set", cfg.Token != "")
	return &HTTPGateway{baseURL: cfg.BaseURL, token: cfg.Token, client: client}, nil
}

// createTicketResponse is the subset of the ticketing API reply we consume.
type createTicketResponse struct {
	ID string `json:"id"`
}

// CreateTicket posts the request to POST {base}/tickets and returns the new
// ticket id.
func (g *HTTPGateway) CreateTicket(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal ticket request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/tickets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ticket request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		slog.Error("Ticket gateway request failed", "error", err, "session_id", req.SessionID)
		return "", fmt.Errorf("ticket request for session %s: %w", req.SessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Error("Ticket gateway rejected request", "status", resp.StatusCode, "session_id", req.SessionID, "body", string(data))
		return "", fmt.Errorf("ticket request for session %s: unexpected status %d", req.SessionID, resp.StatusCode)
	}

	var out createTicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ticket response for session %s: %w", req.SessionID, err)
	}
	slog.Info("Ticket created", "ticket_id", out.ID, "session_id", req.SessionID, "department", req.Department)
	return out.ID, nil
}

// MemoryGateway is an in-memory Gateway for tests and local runs. It is
// idempotent on SessionID.
type MemoryGateway struct {
	mu       sync.Mutex
	bySessID map[string]string
	Requests []Request
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{bySessID: make(map[string]string)}
}

// CreateTicket records the request and returns a stable generated ticket id.
func (g *MemoryGateway) CreateTicket(ctx context.Context, req Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.bySessID[req.SessionID]; ok {
		return id, nil
	}
	id := util.GenerateRandomID("ticket-", 12)
	g.bySessID[req.SessionID] = id
	g.Requests = append(g.Requests, req)
	return id, nil
}
