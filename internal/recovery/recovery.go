// Package recovery reconciles persisted triage sessions after an application
// restart so the router never resumes a session against a definition that no
// longer exists or was unpublished while the service was down.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conectcrm/triageflow/internal/models"
	"github.com/conectcrm/triageflow/internal/store"
)

// ReconcileSessions walks a company's in-progress sessions and marks as
// errored any whose flow definition can no longer serve them. It returns the
// number of sessions moved to the errored status.
func ReconcileSessions(st store.Store, companyID string) (int, error) {
	sessions, err := st.ListSessions(companyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for recovery: %w", err)
	}

	now := time.Now()
	reconciled := 0
	for _, sess := range sessions {
		if sess.Status != models.SessionInProgress {
			continue
		}

		def, err := st.GetFlowDefinition(sess.FlowDefinitionID)
		if err != nil {
			if !errors.Is(err, models.ErrDefinitionNotFound) {
				return reconciled, fmt.Errorf("failed to load definition %s during recovery: %w", sess.FlowDefinitionID, err)
			}
			def = nil
		}

		switch {
		case def == nil:
			slog.Warn("Recovery found session with missing definition", "session_id", sess.ID, "definition_id", sess.FlowDefinitionID)
		case !def.Published:
			slog.Warn("Recovery found session on unpublished definition", "session_id", sess.ID, "definition_id", sess.FlowDefinitionID)
		default:
			if _, ok := def.Steps[sess.CurrentStepID]; ok {
				continue
			}
			slog.Warn("Recovery found session at unknown step", "session_id", sess.ID, "step_id", sess.CurrentStepID)
		}

		if err := sess.Transition(models.SessionErrored, now); err != nil {
			slog.Error("Recovery failed to transition session", "session_id", sess.ID, "error", err)
			continue
		}
		if err := st.SaveSession(sess); err != nil {
			return reconciled, fmt.Errorf("failed to persist reconciled session %s: %w", sess.ID, err)
		}
		reconciled++
		slog.Info("Recovery marked session as errored", "session_id", sess.ID)
	}

	if reconciled > 0 {
		slog.Info("Session recovery complete", "company_id", companyID, "reconciled", reconciled, "scanned", len(sessions))
	} else {
		slog.Debug("Session recovery complete, nothing to reconcile", "company_id", companyID, "scanned", len(sessions))
	}
	return reconciled, nil
}
