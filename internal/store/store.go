// Package store provides storage backends for TriageFlow.
//
// It persists flow definitions and triage sessions, and records inbound
// message ids for webhook deduplication. An in-memory store backs tests;
// SQLite and PostgreSQL back deployments.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conectcrm/triageflow/internal/models"
)

// Store defines the persistence interface for flow definitions and sessions.
type Store interface {
	// SaveFlowDefinition inserts or updates a flow definition.
	SaveFlowDefinition(def models.FlowDefinition) error

	// GetFlowDefinition retrieves a definition by id. Returns
	// models.ErrDefinitionNotFound when absent.
	GetFlowDefinition(id string) (*models.FlowDefinition, error)

	// ListFlowDefinitions returns all definitions for a company.
	ListFlowDefinitions(companyID string) ([]models.FlowDefinition, error)

	// ListPublishedDefinitions returns the published definitions for a
	// company that serve the given channel.
	ListPublishedDefinitions(companyID string, channel models.Channel) ([]models.FlowDefinition, error)

	// SaveSession inserts or updates a session.
	SaveSession(sess models.Session) error

	// GetSession retrieves a session by id. Returns models.ErrSessionNotFound
	// when absent.
	GetSession(id string) (*models.Session, error)

	// GetActiveSession returns the in-progress session for a contact, or nil
	// when the contact has none.
	GetActiveSession(companyID, contactAddress string) (*models.Session, error)

	// ListSessions returns all sessions for a company.
	ListSessions(companyID string) ([]models.Session, error)

	// ListIdleSessions returns in-progress sessions whose last activity is
	// before the given instant. Consumed by the idle-expiry sweep.
	ListIdleSessions(before time.Time) ([]models.Session, error)

	// RecordInbound inserts a new inbound message record. Returns false if
	// the message id was already recorded (duplicate webhook delivery).
	RecordInbound(messageID, contactAddress string) (bool, error)

	// Close releases the underlying resources.
	Close() error
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" by its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore is a mutex-guarded in-memory Store used by tests and by
// deployments that accept losing state on restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]models.FlowDefinition
	sessions    map[string]models.Session
	inbound     map[string]time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]models.FlowDefinition),
		sessions:    make(map[string]models.Session),
		inbound:     make(map[string]time.Time),
	}
}

// SaveFlowDefinition inserts or updates a flow definition.
func (s *InMemoryStore) SaveFlowDefinition(def models.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = cloneDefinition(def)
	return nil
}

// GetFlowDefinition retrieves a definition by id.
func (s *InMemoryStore) GetFlowDefinition(id string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, models.ErrDefinitionNotFound
	}
	out := cloneDefinition(def)
	return &out, nil
}

// ListFlowDefinitions returns all definitions for a company.
func (s *InMemoryStore) ListFlowDefinitions(companyID string) ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []models.FlowDefinition
	for _, def := range s.definitions {
		if def.CompanyID == companyID {
			defs = append(defs, cloneDefinition(def))
		}
	}
	sortDefinitions(defs)
	return defs, nil
}

// ListPublishedDefinitions returns published definitions serving a channel.
func (s *InMemoryStore) ListPublishedDefinitions(companyID string, channel models.Channel) ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []models.FlowDefinition
	for _, def := range s.definitions {
		if def.CompanyID == companyID && def.Published && def.ServesChannel(channel) {
			defs = append(defs, cloneDefinition(def))
		}
	}
	sortDefinitions(defs)
	return defs, nil
}

// SaveSession inserts or updates a session.
func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// GetSession retrieves a session by id.
func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	out := cloneSession(sess)
	return &out, nil
}

// GetActiveSession returns the in-progress session for a contact, or nil.
func (s *InMemoryStore) GetActiveSession(companyID, contactAddress string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.CompanyID == companyID && sess.ContactAddress == contactAddress && sess.Status == models.SessionInProgress {
			out := cloneSession(sess)
			return &out, nil
		}
	}
	return nil, nil
}

// ListSessions returns all sessions for a company.
func (s *InMemoryStore) ListSessions(companyID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.CompanyID == companyID {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListIdleSessions returns in-progress sessions idle since before the instant.
func (s *InMemoryStore) ListIdleSessions(before time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == models.SessionInProgress && sess.LastActivity().Before(before) {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

// RecordInbound records an inbound message id, returning false on duplicates.
func (s *InMemoryStore) RecordInbound(messageID, contactAddress string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		slog.Debug("InMemoryStore duplicate inbound message", "message_id", messageID, "contact", contactAddress)
		return false, nil
	}
	s.inbound[messageID] = time.Now()
	return true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// sortDefinitions orders by ascending priority, then id for a stable order.
func sortDefinitions(defs []models.FlowDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})
}

// cloneDefinition deep-copies a definition so callers never alias store state.
func cloneDefinition(def models.FlowDefinition) models.FlowDefinition {
	out := def
	if def.Steps != nil {
		out.Steps = make(map[models.StepID]models.StepDef, len(def.Steps))
		for id, step := range def.Steps {
			cs := step
			if step.Options != nil {
				cs.Options = make([]models.OptionDef, len(step.Options))
				copy(cs.Options, step.Options)
			}
			if step.Terminal != nil {
				t := *step.Terminal
				cs.Terminal = &t
			}
			out.Steps[id] = cs
		}
	}
	if def.Variables != nil {
		out.Variables = make(map[models.VarName]models.VarSpec, len(def.Variables))
		for name, spec := range def.Variables {
			out.Variables[name] = spec
		}
	}
	out.Channels = append([]models.Channel(nil), def.Channels...)
	out.TriggerKeywords = append([]string(nil), def.TriggerKeywords...)
	return out
}

// cloneSession deep-copies a session.
func cloneSession(sess models.Session) models.Session {
	out := sess
	if sess.Context != nil {
		out.Context = make(map[models.VarName]string, len(sess.Context))
		for k, v := range sess.Context {
			out.Context[k] = v
		}
	}
	out.History = append([]models.HistoryEntry(nil), sess.History...)
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
