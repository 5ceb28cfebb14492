package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conectcrm/triageflow/internal/flow"
	"github.com/conectcrm/triageflow/internal/genai"
	"github.com/conectcrm/triageflow/internal/lockfile"
	"github.com/conectcrm/triageflow/internal/messaging"
	"github.com/conectcrm/triageflow/internal/models"
	"github.com/conectcrm/triageflow/internal/recovery"
	"github.com/conectcrm/triageflow/internal/router"
	"github.com/conectcrm/triageflow/internal/scheduler"
	"github.com/conectcrm/triageflow/internal/store"
	"github.com/conectcrm/triageflow/internal/ticket"
	"github.com/conectcrm/triageflow/internal/twiliowhatsapp"
	"github.com/conectcrm/triageflow/internal/whatsapp"
	"github.com/openai/openai-go"
)

// DefaultSweepSchedule runs the idle-session expiry sweep every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// RunConfig carries the resolved deployment configuration for the service.
type RunConfig struct {
	CompanyID string
	StateDir  string
	// DSN selects the store backend: empty for in-memory, a file path for
	// SQLite, a postgres URL for PostgreSQL.
	DSN  string
	Addr string

	// Transport selection. UseTwilio wins over UseWhatsApp; with neither set
	// the deployment is webchat-only and uses the in-memory transport.
	UseTwilio    bool
	UseWhatsApp  bool
	WhatsAppOpts []whatsapp.Option

	// OpenAIKey, when set, enables free-text intent matching on menu steps.
	OpenAIKey   string
	OpenAIModel string

	// TicketBaseURL, when set, routes transfers to the ConectCRM ticket API;
	// otherwise an in-memory gateway records them.
	TicketBaseURL string
	TicketToken   string

	IdleTimeout        time.Duration
	SweepSchedule      string
	FallbackDepartment string
}

// Run bootstraps every module and blocks until a shutdown signal arrives.
func Run(cfg RunConfig) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire state directory lock: %w", err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tickets, err := buildTicketGateway(cfg)
	if err != nil {
		return err
	}

	interp, err := buildInterpreter(cfg)
	if err != nil {
		return err
	}

	svc, twilioHook, err := buildMessagingService(cfg)
	if err != nil {
		return err
	}
	defer svc.Stop()

	var rtrOpts []router.Option
	if cfg.IdleTimeout > 0 {
		rtrOpts = append(rtrOpts, router.WithIdleTimeout(cfg.IdleTimeout))
	}
	rtr := router.New(st, interp, svc, tickets, rtrOpts...)

	if _, err := recovery.ReconcileSessions(st, cfg.CompanyID); err != nil {
		return fmt.Errorf("session recovery failed: %w", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweep := cfg.SweepSchedule
	if sweep == "" {
		sweep = DefaultSweepSchedule
	}
	if err := sched.AddJob(sweep, func() {
		if _, err := rtr.ExpireIdleSessions(ctx); err != nil {
			slog.Error("Idle session sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	slog.Debug("Expiry sweep scheduled", "schedule", sweep)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	go rtr.Run(ctx, svc.Inbound())

	var apiOpts []Option
	if cfg.Addr != "" {
		apiOpts = append(apiOpts, WithAddr(cfg.Addr))
	}
	if twilioHook != nil {
		apiOpts = append(apiOpts, WithTwilioWebhook(twilioHook))
	}
	server := NewServer(st, rtr, svc, cfg.CompanyID, apiOpts...)
	return server.Run(ctx)
}

// buildStore selects the store backend from the configured DSN.
func buildStore(cfg RunConfig) (store.Store, error) {
	if cfg.DSN == "" {
		slog.Warn("No database DSN configured, using in-memory store (state lost on restart)")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("Configuring PostgreSQL store", "dsn_set", true)
		st, err := store.NewPostgresStore(store.WithDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
		}
		return st, nil
	}
	slog.Debug("Configuring SQLite store", "db_path", cfg.DSN)
	st, err := store.NewSQLiteStore(store.WithDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	return st, nil
}

// buildTicketGateway wires the ConectCRM ticket API or the in-memory fallback.
func buildTicketGateway(cfg RunConfig) (ticket.Gateway, error) {
	if cfg.TicketBaseURL == "" {
		slog.Warn("No ticket API configured, transfers recorded in memory only")
		return ticket.NewMemoryGateway(), nil
	}
	opts := []ticket.Option{ticket.WithBaseURL(cfg.TicketBaseURL)}
	if cfg.TicketToken != "" {
		opts = append(opts, ticket.WithToken(cfg.TicketToken))
	}
	gw, err := ticket.NewHTTPGateway(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ticket gateway: %w", err)
	}
	return gw, nil
}

// buildInterpreter assembles the flow interpreter, enabling GenAI intent
// matching when an API key is configured.
func buildInterpreter(cfg RunConfig) (*flow.Interpreter, error) {
	var opts []flow.Option
	if cfg.FallbackDepartment != "" {
		opts = append(opts, flow.WithFallbackDepartment(cfg.FallbackDepartment))
	}
	if cfg.OpenAIKey != "" {
		genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
		if cfg.OpenAIModel != "" {
			genaiOpts = append(genaiOpts, genai.WithModel(openai.ChatModel(cfg.OpenAIModel)))
		}
		matcher, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GenAI client: %w", err)
		}
		opts = append(opts, flow.WithIntentMatcher(matcher))
		slog.Info("GenAI intent matching enabled")
	}
	return flow.NewInterpreter(opts...), nil
}

// buildMessagingService selects the channel transport. The second return
// value is the Twilio webhook handler when that transport is active.
func buildMessagingService(cfg RunConfig) (messaging.Service, http.HandlerFunc, error) {
	switch {
	case cfg.UseTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, cfg.CompanyID)
		slog.Info("Messaging transport configured", "transport", "twilio")
		return svc, svc.WebhookHandler, nil
	case cfg.UseWhatsApp:
		client, err := whatsapp.NewClient(cfg.WhatsAppOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client, cfg.CompanyID)
		slog.Info("Messaging transport configured", "transport", "whatsapp")
		return svc, nil, nil
	default:
		slog.Info("Messaging transport configured", "transport", "webchat")
		return messaging.NewMemoryService(cfg.CompanyID, models.ChannelWebchat), nil, nil
	}
}
