package flow

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/conectcrm/triageflow/internal/models"
)

// DefinitionError reports an authoring bug in a flow definition: a dangling
// step reference, a duplicate option match, an empty branch list or an
// unparseable predicate. It carries enough identity for operator triage.
type DefinitionError struct {
	FlowID  string
	Version int
	StepID  models.StepID
	Detail  string
}

func (e *DefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("flow definition %s v%d, step %q: %s", e.FlowID, e.Version, e.StepID, e.Detail)
	}
	return fmt.Sprintf("flow definition %s v%d: %s", e.FlowID, e.Version, e.Detail)
}

func defErr(def *models.FlowDefinition, stepID models.StepID, format string, args ...interface{}) *DefinitionError {
	return &DefinitionError{
		FlowID:  def.ID,
		Version: def.Version,
		StepID:  stepID,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// ValidateDefinition performs the full load-time validation of a flow
// definition: structural per-field checks, referential integrity of every
// step id mentioned anywhere, case-insensitive uniqueness of menu option
// matches, and predicate grammar. Definitions that fail here are rejected
// before any session can bind to them.
func ValidateDefinition(def *models.FlowDefinition) error {
	if err := def.Validate(); err != nil {
		return defErr(def, "", "%v", err)
	}

	if _, ok := def.Steps[def.InitialStepID]; !ok {
		return defErr(def, "", "initial step %q does not exist", def.InitialStepID)
	}

	for stepID, step := range def.Steps {
		switch step.Kind {
		case models.StepKindMenu:
			if err := validateMenuStep(def, stepID, step); err != nil {
				return err
			}
		case models.StepKindCollect:
			if _, ok := def.Steps[step.NextStepID]; !ok {
				return defErr(def, stepID, "collect step references missing step %q", step.NextStepID)
			}
		case models.StepKindTerminal:
			// terminal steps reference nothing
		}
	}

	slog.Debug("Flow definition validated", "flow_id", def.ID, "company_id", def.CompanyID, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// validateMenuStep checks option uniqueness, reserved-token collisions,
// action targets and branch predicates of one menu step.
func validateMenuStep(def *models.FlowDefinition, stepID models.StepID, step models.StepDef) error {
	seen := make(map[string]bool, len(step.Options))
	for _, opt := range step.Options {
		folded := strings.ToLower(strings.TrimSpace(opt.Match))
		if models.IsExitToken(folded) {
			return defErr(def, stepID, "option match %q collides with the reserved exit token", opt.Match)
		}
		if seen[folded] {
			return defErr(def, stepID, "duplicate option match %q", opt.Match)
		}
		seen[folded] = true

		switch opt.Action.Type {
		case models.ActionAdvance:
			if _, ok := def.Steps[opt.Action.NextStepID]; !ok {
				return defErr(def, stepID, "option %q advances to missing step %q", opt.Match, opt.Action.NextStepID)
			}
		case models.ActionConditional:
			for i, branch := range opt.Action.Branches {
				if _, err := ParsePredicate(branch.When); err != nil {
					return defErr(def, stepID, "option %q branch %d: %v", opt.Match, i, err)
				}
				if _, ok := def.Steps[branch.NextStepID]; !ok {
					return defErr(def, stepID, "option %q branch %d targets missing step %q", opt.Match, i, branch.NextStepID)
				}
			}
		case models.ActionFinalize, models.ActionTransfer:
			// no step references
		}
	}
	return nil
}
