package flow

import (
	"context"

	"github.com/conectcrm/triageflow/internal/models"
)

// IntentMatcher maps free text that matched no menu option onto one of the
// step's defined match values. It is an optional enhancement: when no matcher
// is configured, or the matcher declines or fails, the interpreter falls back
// to the deterministic didn't-understand re-prompt.
type IntentMatcher interface {
	// MatchOption returns the match value of the option the text most likely
	// selects, or ok=false when no option is a confident match.
	MatchOption(ctx context.Context, userText string, options []models.OptionDef) (match string, ok bool, err error)
}
