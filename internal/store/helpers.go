package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/conectcrm/triageflow/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalDefinition encodes the full definition document for storage.
func marshalDefinition(def models.FlowDefinition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal flow definition %s: %w", def.ID, err)
	}
	return string(data), nil
}

// scanDefinition decodes one flow_definitions row.
func scanDefinition(row rowScanner) (models.FlowDefinition, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		return models.FlowDefinition{}, err
	}
	var def models.FlowDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return models.FlowDefinition{}, fmt.Errorf("unmarshal flow definition: %w", err)
	}
	return def, nil
}

// sessionColumns is the column list shared by every session query.
const sessionColumns = `id, company_id, channel, contact_address, flow_definition_id,
	current_step_id, previous_step_id, status, context, history,
	result_ticket_id, started_at, completed_at, updated_at`

// encodeSessionState encodes the context map and history log for storage.
func encodeSessionState(sess models.Session) (contextJSON, historyJSON string, err error) {
	ctx := sess.Context
	if ctx == nil {
		ctx = map[models.VarName]string{}
	}
	ctxData, err := json.Marshal(ctx)
	if err != nil {
		return "", "", fmt.Errorf("marshal session %s context: %w", sess.ID, err)
	}
	hist := sess.History
	if hist == nil {
		hist = []models.HistoryEntry{}
	}
	histData, err := json.Marshal(hist)
	if err != nil {
		return "", "", fmt.Errorf("marshal session %s history: %w", sess.ID, err)
	}
	return string(ctxData), string(histData), nil
}

// scanSession decodes one sessions row.
func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var previousStep, resultTicket sql.NullString
	var contextJSON, historyJSON string
	var completedAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.CompanyID, &sess.Channel, &sess.ContactAddress, &sess.FlowDefinitionID,
		&sess.CurrentStepID, &previousStep, &sess.Status, &contextJSON, &historyJSON,
		&resultTicket, &sess.StartedAt, &completedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return sess, err
	}
	sess.PreviousStepID = models.StepID(previousStep.String)
	sess.ResultTicketID = resultTicket.String
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
		return sess, fmt.Errorf("unmarshal session %s context: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return sess, fmt.Errorf("unmarshal session %s history: %w", sess.ID, err)
	}
	return sess, nil
}
