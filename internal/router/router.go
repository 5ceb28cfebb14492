// Package router dispatches inbound messages to triage sessions.
//
// For a contact with an in-progress session it hands the message to the flow
// interpreter; otherwise it selects the published flow definition that should
// bind (channel, company, trigger keywords, priority) and creates a fresh
// session. All processing for one session key runs under a per-key lock
// covering the whole select-step-persist sequence.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conectcrm/triageflow/internal/flow"
	"github.com/conectcrm/triageflow/internal/models"
	"github.com/conectcrm/triageflow/internal/store"
	"github.com/conectcrm/triageflow/internal/ticket"
	"github.com/google/uuid"
)

// DefaultIdleTimeout is the idle window after which the sweep expires a
// session that received no inbound message.
const DefaultIdleTimeout = 30 * time.Minute

// MessageSender is the outbound half of the channel adapter consumed by the
// router. Satisfied by messaging.Service.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the router.
type Opts struct {
	IdleTimeout time.Duration
}

// Option defines a configuration option for the router.
type Option func(*Opts)

// WithIdleTimeout sets the idle window for the expiry sweep.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.IdleTimeout = d
	}
}

// Router routes inbound messages to sessions and dispatches the resulting
// effects to the channel adapter and the ticket gateway.
type Router struct {
	store       store.Store
	interp      *flow.Interpreter
	sender      MessageSender
	tickets     ticket.Gateway
	locks       *keyLocks
	idleTimeout time.Duration
}

// New creates a Router, applying any provided options.
func New(st store.Store, interp *flow.Interpreter, sender MessageSender, tickets ticket.Gateway, opts ...Option) *Router {
	cfg := Opts{IdleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Router created", "idle_timeout", cfg.IdleTimeout)
	return &Router{
		store:       st,
		interp:      interp,
		sender:      sender,
		tickets:     tickets,
		locks:       newKeyLocks(),
		idleTimeout: cfg.IdleTimeout,
	}
}

// sessionKey builds the serialization key for a contact.
func sessionKey(companyID, contactAddress string) string {
	return companyID + "|" + contactAddress
}

// Run consumes the inbound channel until it closes or the context is
// cancelled. Each message is handled on its own goroutine; the per-key locks
// serialize messages that target the same session.
func (r *Router) Run(ctx context.Context, inbound <-chan models.InboundMessage) {
	slog.Info("Router inbound loop starting")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Router inbound loop stopping", "reason", ctx.Err())
			return
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("Router inbound channel closed")
				return
			}
			go func(m models.InboundMessage) {
				if err := r.HandleInbound(ctx, m); err != nil {
					slog.Error("Router failed to handle inbound message", "error", err, "company_id", m.CompanyID, "contact", m.ContactAddress)
				}
			}(msg)
		}
	}
}

// HandleInbound processes one inbound message end to end: dedup, session
// resume or creation, interpretation, persistence and effect dispatch.
func (r *Router) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	if msg.ContactAddress == "" {
		return models.ErrEmptyContactAddress
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if msg.MessageID != "" {
		fresh, err := r.store.RecordInbound(msg.MessageID, msg.ContactAddress)
		if err != nil {
			return fmt.Errorf("inbound dedup check: %w", err)
		}
		if !fresh {
			slog.Debug("Router dropping duplicate inbound message", "message_id", msg.MessageID, "contact", msg.ContactAddress)
			return nil
		}
	}

	key := sessionKey(msg.CompanyID, msg.ContactAddress)
	r.locks.acquire(key)
	defer r.locks.release(key)

	sess, err := r.store.GetActiveSession(msg.CompanyID, msg.ContactAddress)
	if err != nil {
		return fmt.Errorf("lookup active session: %w", err)
	}
	if sess == nil {
		return r.startSession(ctx, msg)
	}
	return r.stepSession(ctx, sess, msg)
}

// startSession selects the flow definition for a first-contact message and
// creates the session. The triggering message is consumed by selection; the
// initial step's prompt goes out as the session-creation side effect and the
// interpreter first runs on the next inbound message.
func (r *Router) startSession(ctx context.Context, msg models.InboundMessage) error {
	def, err := r.selectDefinition(msg)
	if err != nil {
		if errors.Is(err, models.ErrDefinitionUnresolved) {
			slog.Warn("Router found no published flow for inbound message, dropping",
				"company_id", msg.CompanyID, "channel", msg.Channel, "contact", msg.ContactAddress)
			return nil
		}
		return err
	}

	now := msg.Timestamp
	sess := models.Session{
		ID:               uuid.NewString(),
		CompanyID:        msg.CompanyID,
		Channel:          msg.Channel,
		ContactAddress:   msg.ContactAddress,
		FlowDefinitionID: def.ID,
		CurrentStepID:    def.InitialStepID,
		Context:          make(map[models.VarName]string),
		Status:           models.SessionInProgress,
		StartedAt:        now,
		UpdatedAt:        now,
	}

	prompt, err := r.interp.RenderInitialPrompt(def, &sess)
	if err != nil {
		slog.Error("Router initial prompt rendering failed", "error", err, "flow_id", def.ID)
		return err
	}
	if err := r.store.SaveSession(sess); err != nil {
		return fmt.Errorf("persist new session: %w", err)
	}
	slog.Info("Router created session", "session_id", sess.ID, "flow_id", def.ID, "flow_code", def.Code, "contact", msg.ContactAddress)

	if err := r.sender.SendMessage(ctx, sess.ContactAddress, prompt); err != nil {
		// Delivery retry is the transport's concern; the session stands.
		slog.Error("Router failed to send initial prompt", "error", err, "session_id", sess.ID)
	}
	return nil
}

// stepSession runs one interpreter turn against an existing session and
// persists the outcome before dispatching effects.
func (r *Router) stepSession(ctx context.Context, sess *models.Session, msg models.InboundMessage) error {
	def, err := r.store.GetFlowDefinition(sess.FlowDefinitionID)
	if err != nil {
		if errors.Is(err, models.ErrDefinitionNotFound) {
			slog.Error("Router session references missing definition, failing session",
				"session_id", sess.ID, "flow_id", sess.FlowDefinitionID)
			if terr := sess.Transition(models.SessionErrored, msg.Timestamp); terr == nil {
				if serr := r.store.SaveSession(*sess); serr != nil {
					return serr
				}
			}
			return nil
		}
		return fmt.Errorf("load definition %s: %w", sess.FlowDefinitionID, err)
	}

	effects, stepErr := r.interp.Step(ctx, def, sess, msg.Body, msg.Timestamp)
	if stepErr != nil {
		// Definition errors already moved the session to Errored and produced
		// the apology effects; anything else aborts before persisting.
		var derr *flow.DefinitionError
		if !errors.As(stepErr, &derr) {
			return fmt.Errorf("interpreter step for session %s: %w", sess.ID, stepErr)
		}
		slog.Error("Router session failed on definition error", "error", derr, "session_id", sess.ID)
	}

	if err := r.store.SaveSession(*sess); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return r.dispatchEffects(ctx, sess, effects)
}

// dispatchEffects forwards interpreter effects to the channel adapter and the
// ticket gateway. Collaborator failures are logged, not propagated: the
// session transition is committed once computed, and retries belong to the
// collaborator.
func (r *Router) dispatchEffects(ctx context.Context, sess *models.Session, effects []models.Effect) error {
	for _, eff := range effects {
		switch eff.Kind {
		case models.EffectSendMessage, models.EffectEndSession:
			if err := r.sender.SendMessage(ctx, eff.To, eff.Body); err != nil {
				slog.Error("Router effect delivery failed", "error", err, "kind", eff.Kind, "session_id", sess.ID)
			}
		case models.EffectTransfer, models.EffectCreateTicket:
			if r.tickets == nil {
				slog.Warn("Router has no ticket gateway, dropping effect", "kind", eff.Kind, "session_id", sess.ID)
				continue
			}
			ticketID, err := r.tickets.CreateTicket(ctx, ticket.Request{
				SessionID:      sess.ID,
				CompanyID:      sess.CompanyID,
				Channel:        sess.Channel,
				ContactAddress: sess.ContactAddress,
				Department:     eff.Department,
				Context:        eff.Context,
			})
			if err != nil {
				slog.Error("Router ticket creation failed", "error", err, "session_id", sess.ID, "department", eff.Department)
				continue
			}
			sess.ResultTicketID = ticketID
			if err := r.store.SaveSession(*sess); err != nil {
				slog.Error("Router failed to persist ticket id", "error", err, "session_id", sess.ID, "ticket_id", ticketID)
			}
		}
	}
	return nil
}

// selectDefinition implements the routing algorithm: published definitions
// for the company and channel, keyword matches preferred over catch-alls,
// lowest priority value wins, definition id as the stable tie-break. An
// actual priority tie between distinct definitions is a configuration error
// and is logged as such.
func (r *Router) selectDefinition(msg models.InboundMessage) (*models.FlowDefinition, error) {
	candidates, err := r.store.ListPublishedDefinitions(msg.CompanyID, msg.Channel)
	if err != nil {
		return nil, fmt.Errorf("list published definitions: %w", err)
	}
	if len(candidates) == 0 {
		return nil, models.ErrDefinitionUnresolved
	}

	var keyworded []models.FlowDefinition
	for _, def := range candidates {
		if def.MatchesKeyword(msg.Body) {
			keyworded = append(keyworded, def)
		}
	}
	if len(keyworded) > 0 {
		candidates = keyworded
	}

	// Store contract: candidates arrive ordered by (priority, id).
	winner := candidates[0]
	if len(candidates) > 1 && candidates[1].Priority == winner.Priority {
		slog.Warn("Router priority tie between published flows, resolving by definition id",
			"company_id", msg.CompanyID, "channel", msg.Channel,
			"flow_a", winner.ID, "flow_b", candidates[1].ID, "priority", winner.Priority)
	}
	slog.Debug("Router selected flow definition", "flow_id", winner.ID, "flow_code", winner.Code, "priority", winner.Priority, "keyword_match", len(keyworded) > 0)
	return &winner, nil
}

// ExpireIdleSessions transitions in-progress sessions idle past the
// configured window to Expired. It takes the same per-key lock as inbound
// handling, so a message racing the sweep either wins the lock (the sweep
// re-checks and skips) or arrives after expiry and starts a fresh session.
func (r *Router) ExpireIdleSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.idleTimeout)
	idle, err := r.store.ListIdleSessions(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	expired := 0
	for _, candidate := range idle {
		key := sessionKey(candidate.CompanyID, candidate.ContactAddress)
		r.locks.acquire(key)

		sess, err := r.store.GetSession(candidate.ID)
		if err != nil {
			r.locks.release(key)
			slog.Error("Router expiry sweep failed to reload session", "error", err, "session_id", candidate.ID)
			continue
		}
		if sess.Status != models.SessionInProgress || !sess.LastActivity().Before(cutoff) {
			r.locks.release(key)
			continue
		}
		if err := sess.Transition(models.SessionExpired, time.Now()); err != nil {
			r.locks.release(key)
			continue
		}
		if err := r.store.SaveSession(*sess); err != nil {
			slog.Error("Router expiry sweep failed to persist session", "error", err, "session_id", sess.ID)
		} else {
			expired++
			slog.Info("Router expired idle session", "session_id", sess.ID, "last_activity", sess.LastActivity())
		}
		r.locks.release(key)
	}
	if expired > 0 {
		slog.Info("Router expiry sweep finished", "expired", expired, "candidates", len(idle))
	}
	return expired, nil
}
