// Package api provides HTTP handlers and the main API server logic for TriageFlow.
//
// It exposes RESTful endpoints for managing flow definitions, inspecting triage
// sessions, and accepting inbound contact messages. The API integrates with the
// store, router, and messaging modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/conectcrm/triageflow/internal/messaging"
	"github.com/conectcrm/triageflow/internal/router"
	"github.com/conectcrm/triageflow/internal/store"
)

// Timeouts for server and handler operations.
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultReadTimeout bounds reading of an incoming request.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds writing of a response.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultInboundHandleTimeout bounds one asynchronous inbound dispatch.
	DefaultInboundHandleTimeout = 30 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// TwilioWebhook, when set, is mounted at POST /webhook/twilio.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the API server.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the given handler at the Twilio webhook endpoint.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server wires the HTTP surface to the store and the message router.
type Server struct {
	st         store.Store
	rtr        *router.Router
	msgService messaging.Service
	companyID  string
	addr       string
	twilioHook http.HandlerFunc
	httpServer *http.Server
}

// NewServer creates an API server. msgService may be nil when no outbound
// transport is configured (webchat-only deployments).
func NewServer(st store.Store, rtr *router.Router, msgService messaging.Service, companyID string, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:         st,
		rtr:        rtr,
		msgService: msgService,
		companyID:  companyID,
		addr:       cfg.Addr,
		twilioHook: cfg.TwilioWebhook,
	}
}

// Handler builds the HTTP mux for the server. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/flows", s.flowsHandler)
	mux.HandleFunc("/flows/", s.flowHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.twilioHook != nil {
		mux.HandleFunc("/webhook/twilio", s.twilioHook)
	}
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("TriageFlow API running", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("API server shutting down", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok || err == nil {
			return nil
		}
		return fmt.Errorf("server listen: %w", err)
	}
}
