// Package store provides storage backends for TriageFlow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/conectcrm/triageflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store over a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; the parent directory
// is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveFlowDefinition inserts or updates a flow definition.
func (s *SQLiteStore) SaveFlowDefinition(def models.FlowDefinition) error {
	doc, err := marshalDefinition(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flow_definitions (id, company_id, code, version, published, priority, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET published = excluded.published, priority = excluded.priority,
			definition = excluded.definition, updated_at = excluded.updated_at`,
		def.ID, def.CompanyID, def.Code, def.Version, def.Published, def.Priority, doc, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowDefinition failed", "error", err, "flow_id", def.ID)
		return fmt.Errorf("failed to save flow definition %s: %w", def.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlowDefinition succeeded", "flow_id", def.ID, "version", def.Version, "published", def.Published)
	return nil
}

// GetFlowDefinition retrieves a definition by id.
func (s *SQLiteStore) GetFlowDefinition(id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRow(`SELECT definition FROM flow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrDefinitionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowDefinition failed", "error", err, "flow_id", id)
		return nil, fmt.Errorf("failed to get flow definition %s: %w", id, err)
	}
	return &def, nil
}

// ListFlowDefinitions returns all definitions for a company.
func (s *SQLiteStore) ListFlowDefinitions(companyID string) ([]models.FlowDefinition, error) {
	return s.queryDefinitions(`SELECT definition FROM flow_definitions WHERE company_id = ? ORDER BY priority, id`, companyID)
}

// ListPublishedDefinitions returns published definitions serving a channel.
// Channel membership lives inside the definition document, so the channel
// filter is applied after decoding.
func (s *SQLiteStore) ListPublishedDefinitions(companyID string, channel models.Channel) ([]models.FlowDefinition, error) {
	defs, err := s.queryDefinitions(`SELECT definition FROM flow_definitions WHERE company_id = ? AND published = 1 ORDER BY priority, id`, companyID)
	if err != nil {
		return nil, err
	}
	return filterByChannel(defs, channel), nil
}

func (s *SQLiteStore) queryDefinitions(query string, args ...interface{}) ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore definition query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.FlowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			slog.Error("SQLiteStore definition scan failed", "error", err)
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
func (s *SQLiteStore) SaveSession(sess models.Session) error {
	contextJSON, historyJSON, err := encodeSessionState(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, company_id, channel, contact_address, flow_definition_id,
			current_step_id, previous_step_id, status, context, history, result_ticket_id,
			started_at, completed_at, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET current_step_id = excluded.current_step_id,
			previous_step_id = excluded.previous_step_id, status = excluded.status,
			context = excluded.context, history = excluded.history,
			result_ticket_id = excluded.result_ticket_id, completed_at = excluded.completed_at,
			last_activity = excluded.last_activity, updated_at = excluded.updated_at`,
		sess.ID, sess.CompanyID, sess.Channel, sess.ContactAddress, sess.FlowDefinitionID,
		sess.CurrentStepID, nilIfEmpty(string(sess.PreviousStepID)), sess.Status, contextJSON, historyJSON,
		nilIfEmpty(sess.ResultTicketID), sess.StartedAt, sess.CompletedAt, sess.LastActivity(), sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "session_id", sess.ID, "status", sess.Status)
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// GetActiveSession returns the in-progress session for a contact, or nil.
func (s *SQLiteStore) GetActiveSession(companyID, contactAddress string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions
		WHERE company_id = ? AND contact_address = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`,
		companyID, contactAddress, models.SessionInProgress)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveSession failed", "error", err, "company_id", companyID, "contact", contactAddress)
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all sessions for a company.
func (s *SQLiteStore) ListSessions(companyID string) ([]models.Session, error) {
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions WHERE company_id = ? ORDER BY started_at`, companyID)
}

// ListIdleSessions returns in-progress sessions idle since before the instant.
func (s *SQLiteStore) ListIdleSessions(before time.Time) ([]models.Session, error) {
	return s.querySessions(`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND last_activity < ?`,
		models.SessionInProgress, before)
}

func (s *SQLiteStore) querySessions(query string, args ...interface{}) ([]models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore session query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore session scan failed", "error", err)
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
func (s *SQLiteStore) RecordInbound(messageID, contactAddress string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO inbound_dedup (message_id, contact_address, received_at) VALUES (?, ?, ?)`,
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// filterByChannel keeps definitions that serve the given channel.
func filterByChannel(defs []models.FlowDefinition, channel models.Channel) []models.FlowDefinition {
	var out []models.FlowDefinition
	for _, def := range defs {
		if def.ServesChannel(channel) {
			out = append(out, def)
		}
	}
	return out
}
