// Package store provides storage backends for TriageFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/conectcrm/triageflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store over a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveFlowDefinition inserts or updates a flow definition.
func (s *PostgresStore) SaveFlowDefinition(def models.FlowDefinition) error {
	doc, err := marshalDefinition(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flow_definitions (id, company_id, code, version, published, priority, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET published = EXCLUDED.published, priority = EXCLUDED.priority,
			definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		def.ID, def.CompanyID, def.Code, def.Version, def.Published, def.Priority, doc, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowDefinition failed", "error", err, "flow_id", def.ID)
		return fmt.Errorf("failed to save flow definition %s: %w", def.ID, err)
	}
	slog.Debug("PostgresStore SaveFlowDefinition succeeded", "flow_id", def.ID, "version", def.Version, "published", def.Published)
	return nil
}

// GetFlowDefinition retrieves a definition by id.
func (s *PostgresStore) GetFlowDefinition(id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRow(`SELECT definition FROM flow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrDefinitionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowDefinition failed", "error", err, "flow_id", id)
		return nil, fmt.Errorf("failed to get flow definition %s: %w", id, err)
	}
	return &def, nil
}

// ListFlowDefinitions returns all definitions for a company.
func (s *PostgresStore) ListFlowDefinitions(companyID string) ([]models.FlowDefinition, error) {
	return s.queryDefinitions(`SELECT definition FROM flow_definitions WHERE company_id = $1 ORDER BY priority, id`, companyID)
}

// ListPublishedDefinitions returns published definitions serving a channel.
func (s *PostgresStore) ListPublishedDefinitions(companyID string, channel models.Channel) ([]models.FlowDefinition, error) {
	defs, err := s.queryDefinitions(`SELECT definition FROM flow_definitions WHERE company_id = $1 AND published = TRUE ORDER BY priority, id`, companyID)
	if err != nil {
		return nil, err
	}
	return filterByChannel(defs, channel), nil
}

func (s *PostgresStore) queryDefinitions(query string, args ...interface{}) ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore definition query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.FlowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			slog.Error("PostgresStore definition scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan flow definition row: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow definition rows: %w", err)
	}
	return defs, nil
}

// SaveSession inserts or updates a session.
func (s *PostgresStore) SaveSession(sess models.Session) error {
	contextJSON, historyJSON, err := encodeSessionState(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, company_id, channel, contact_address, flow_definition_id,
			current_step_id, previous_step_id, status, context, history, result_ticket_id,
			started_at, completed_at, last_activity, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET current_step_id = EXCLUDED.current_step_id,
			previous_step_id = EXCLUDED.previous_step_id, status = EXCLUDED.status,
			context = EXCLUDED.context, history = EXCLUDED.history,
			result_ticket_id = EXCLUDED.result_ticket_id, completed_at = EXCLUDED.completed_at,
			last_activity = EXCLUDED.last_activity, updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.CompanyID, sess.Channel, sess.ContactAddress, sess.FlowDefinitionID,
		sess.CurrentStepID, nilIfEmpty(string(sess.PreviousStepID)), sess.Status, contextJSON, historyJSON,
		nilIfEmpty(sess.ResultTicketID), sess.StartedAt, sess.CompletedAt, sess.LastActivity(), sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "session_id", sess.ID, "status", sess.Status)
	return nil
}

// GetSession retrieves a session by id.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// GetActiveSession returns the in-progress session for a contact, or nil.
func (s *PostgresStore) GetActiveSession(companyID, contactAddress string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions
		WHERE company_id = $1 AND contact_address = $2 AND status = $3
		ORDER BY started_at DESC LIMIT 1`,
		companyID, contactAddress, models.SessionInProgress)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveSession failed", "error", err, "company_id", companyID, "contact", contactAddress)
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all sessions for a company.
func (s *PostgresStore) ListSessions(companyID string) ([]models.Session, error) {
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions WHERE company_id = $1 ORDER BY started_at`, companyID)
}

// ListIdleSessions returns in-progress sessions idle since before the instant.
func (s *PostgresStore) ListIdleSessions(before time.Time) ([]models.Session, error) {
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND last_activity < $2`,
		models.SessionInProgress, before)
}

func (s *PostgresStore) querySessions(query string, args ...interface{}) ([]models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore session query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("PostgresStore session scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// RecordInbound records an inbound message id, returning false on duplicates.
func (s *PostgresStore) RecordInbound(messageID, contactAddress string) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO inbound_dedup (message_id, contact_address, received_at)
		VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, contactAddress, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n > 0, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
