// Package flow implements the triage flow interpreter.
//
// The interpreter is a pure function over (FlowDefinition, Session, input):
// it mutates the caller-owned session copy and returns the outbound effects
// of the turn. Persistence and effect dispatch belong to the router.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conectcrm/triageflow/internal/models"
)

// MenuOptionFormat is the format string for one menu option line.
const MenuOptionFormat = "\n%s - %s"

// Opts holds configuration options for the interpreter.
type Opts struct {
	Messages           Messages
	Intent             IntentMatcher
	FallbackDepartment string
}

// Option defines a configuration option for the interpreter.
type Option func(*Opts)

// WithMessages overrides the system message catalog.
func WithMessages(m Messages) Option {
	return func(o *Opts) {
		o.Messages = m
	}
}

// WithIntentMatcher enables free-text intent matching for menu steps.
func WithIntentMatcher(m IntentMatcher) Option {
	return func(o *Opts) {
		o.Intent = m
	}
}

// WithFallbackDepartment sets the department that receives the safe-fallback
// transfer when a session dies on a definition error.
func WithFallbackDepartment(dept string) Option {
	return func(o *Opts) {
		o.FallbackDepartment = dept
	}
}

// Interpreter evaluates one inbound message against a session and its bound
// flow definition.
type Interpreter struct {
	messages           Messages
	intent             IntentMatcher
	fallbackDepartment string
}

// NewInterpreter creates an interpreter, applying any provided options.
func NewInterpreter(opts ...Option) *Interpreter {
	cfg := Opts{Messages: DefaultMessages()}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Interpreter created", "intent_matcher", cfg.Intent != nil, "fallback_department", cfg.FallbackDepartment)
	return &Interpreter{
		messages:           cfg.Messages,
		intent:             cfg.Intent,
		fallbackDepartment: cfg.FallbackDepartment,
	}
}

// Step evaluates one inbound message against the session's current step.
// The session must be in progress; sess is mutated in place and the returned
// effects are the complete outbound consequence of the turn. The reserved
// exit token is honoured before any step-specific logic.
func (it *Interpreter) Step(ctx context.Context, def *models.FlowDefinition, sess *models.Session, rawInput string, now time.Time) ([]models.Effect, error) {
	if sess.Status != models.SessionInProgress {
		slog.Warn("Interpreter Step on non-active session", "session_id", sess.ID, "status", sess.Status)
		return nil, models.ErrSessionNotActive
	}

	input := strings.TrimSpace(rawInput)
	folded := strings.ToLower(input)
	sess.AppendHistory(sess.CurrentStepID, input, now)

	// Global escape hatch, highest precedence regardless of step kind.
	if models.IsExitToken(folded) {
		if err := sess.Transition(models.SessionAbandoned, now); err != nil {
			return nil, err
		}
		slog.Info("Interpreter session abandoned via exit token", "session_id", sess.ID, "step_id", sess.CurrentStepID)
		return []models.Effect{models.EndSessionEffect(sess.ContactAddress, it.messages.Cancellation)}, nil
	}

	stepDef, ok := def.Steps[sess.CurrentStepID]
	if !ok {
		return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "current step does not exist"))
	}

	switch stepDef.Kind {
	case models.StepKindMenu:
		return it.stepMenu(ctx, def, sess, stepDef, input, folded, now)
	case models.StepKindCollect:
		return it.stepCollect(def, sess, stepDef, input, now)
	case models.StepKindTerminal:
		return it.executeTerminal(def, sess, stepDef, now)
	default:
		return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "unknown step kind %q", stepDef.Kind))
	}
}

// stepMenu matches the input against the step's options. Unrecognized input
// re-emits the menu with a didn't-understand notice and changes nothing else.
func (it *Interpreter) stepMenu(ctx context.Context, def *models.FlowDefinition, sess *models.Session, step models.StepDef, input, folded string, now time.Time) ([]models.Effect, error) {
	opt, matched := matchOption(step.Options, folded)
	if !matched && it.intent != nil && input != "" {
		guess, ok, err := it.intent.MatchOption(ctx, input, step.Options)
		if err != nil {
			slog.Warn("Interpreter intent matching failed, falling back to re-prompt", "error", err, "session_id", sess.ID)
		} else if ok {
			opt, matched = matchOption(step.Options, strings.ToLower(strings.TrimSpace(guess)))
			if matched {
				slog.Info("Interpreter intent matcher resolved free text", "session_id", sess.ID, "step_id", sess.CurrentStepID, "match", opt.Match)
			}
		}
	}
	if !matched {
		slog.Debug("Interpreter unrecognized menu input", "session_id", sess.ID, "step_id", sess.CurrentStepID)
		body := it.messages.NotUnderstood + "\n\n" + it.renderStepPrompt(step, sess.Context)
		return []models.Effect{models.SendMessageEffect(sess.ContactAddress, body)}, nil
	}

	for name, value := range opt.ContextWrites {
		sess.SetContext(name, value)
	}

	switch opt.Action.Type {
	case models.ActionAdvance:
		return it.enterStep(def, sess, opt.Action.NextStepID, now)
	case models.ActionConditional:
		return it.stepConditional(def, sess, opt, now)
	case models.ActionFinalize:
		return it.finalize(sess, opt.Action.Message, now)
	case models.ActionTransfer:
		return it.transfer(sess, opt.Action.Department, now)
	default:
		return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "option %q has unknown action %q", opt.Match, opt.Action.Type))
	}
}

// stepConditional evaluates the option's branch list in definition order;
// the first true predicate wins. An exhausted list is an authoring bug.
func (it *Interpreter) stepConditional(def *models.FlowDefinition, sess *models.Session, opt models.OptionDef, now time.Time) ([]models.Effect, error) {
	for i, branch := range opt.Action.Branches {
		pred, err := ParsePredicate(branch.When)
		if err != nil {
			return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "option %q branch %d: %v", opt.Match, i, err))
		}
		if pred.Eval(sess.Context) {
			slog.Debug("Interpreter conditional branch taken", "session_id", sess.ID, "step_id", sess.CurrentStepID, "branch", i, "target", branch.NextStepID)
			return it.enterStep(def, sess, branch.NextStepID, now)
		}
	}
	return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "option %q: no conditional branch matched", opt.Match))
}

// stepCollect captures free text into the step's variable. Empty input
// re-prompts without advancing.
func (it *Interpreter) stepCollect(def *models.FlowDefinition, sess *models.Session, step models.StepDef, input string, now time.Time) ([]models.Effect, error) {
	if input == "" {
		slog.Debug("Interpreter empty collect input, re-prompting", "session_id", sess.ID, "step_id", sess.CurrentStepID)
		return []models.Effect{models.SendMessageEffect(sess.ContactAddress, RenderTemplate(step.Prompt, sess.Context))}, nil
	}
	sess.SetContext(step.Variable, &input)
	return it.enterStep(def, sess, step.NextStepID, now)
}

// enterStep advances the session into the given step. Terminal steps execute
// immediately; other kinds emit their rendered prompt and wait for the next
// inbound message.
func (it *Interpreter) enterStep(def *models.FlowDefinition, sess *models.Session, next models.StepID, now time.Time) ([]models.Effect, error) {
	stepDef, ok := def.Steps[next]
	if !ok {
		return it.failSession(sess, now, defErr(def, next, "transition target does not exist"))
	}

	sess.PreviousStepID = sess.CurrentStepID
	sess.CurrentStepID = next
	sess.UpdatedAt = now

	if stepDef.Kind == models.StepKindTerminal {
		return it.executeTerminal(def, sess, stepDef, now)
	}

	slog.Debug("Interpreter advanced session", "session_id", sess.ID, "from", sess.PreviousStepID, "to", next)
	return []models.Effect{models.SendMessageEffect(sess.ContactAddress, it.renderStepPrompt(stepDef, sess.Context))}, nil
}

// executeTerminal runs a terminal step. Invoked twice against the same
// session it only re-emits the effects; the status transition happens once.
func (it *Interpreter) executeTerminal(def *models.FlowDefinition, sess *models.Session, step models.StepDef, now time.Time) ([]models.Effect, error) {
	if step.Terminal == nil {
		return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "terminal step without terminal action"))
	}
	switch step.Terminal.Type {
	case models.ActionFinalize:
		return it.finalize(sess, step.Terminal.Message, now)
	case models.ActionTransfer:
		return it.transfer(sess, step.Terminal.Department, now)
	default:
		return it.failSession(sess, now, defErr(def, sess.CurrentStepID, "terminal step has unknown action %q", step.Terminal.Type))
	}
}

// finalize completes the session with a closing message.
func (it *Interpreter) finalize(sess *models.Session, message string, now time.Time) ([]models.Effect, error) {
	if message == "" {
		message = it.messages.Closing
	}
	rendered := RenderTemplate(message, sess.Context)
	if err := sess.Transition(models.SessionCompleted, now); err != nil && err != models.ErrInvalidTransition {
		return nil, err
	}
	slog.Info("Interpreter session completed", "session_id", sess.ID, "step_id", sess.CurrentStepID)
	return []models.Effect{models.EndSessionEffect(sess.ContactAddress, rendered)}, nil
}

// transfer hands the session off to a human-staffed department.
func (it *Interpreter) transfer(sess *models.Session, department string, now time.Time) ([]models.Effect, error) {
	if err := sess.Transition(models.SessionTransferred, now); err != nil && err != models.ErrInvalidTransition {
		return nil, err
	}
	slog.Info("Interpreter session transferred", "session_id", sess.ID, "department", department)
	return []models.Effect{
		{
			Kind:       models.EffectTransfer,
			Department: department,
			SessionID:  sess.ID,
			Context:    sess.Context,
			To:         sess.ContactAddress,
		},
		models.SendMessageEffect(sess.ContactAddress, it.messages.Handoff),
	}, nil
}

// failSession marks the session errored on a definition bug discovered at
// runtime. The contact gets the apology text and, when a fallback department
// is configured, a human-transfer effect so nobody is left stuck. The
// definition error is returned for operator logging, never swallowed.
func (it *Interpreter) failSession(sess *models.Session, now time.Time, derr *DefinitionError) ([]models.Effect, error) {
	slog.Error("Interpreter definition error, failing session", "error", derr, "session_id", sess.ID, "step_id", sess.CurrentStepID)
	if err := sess.Transition(models.SessionErrored, now); err != nil && err != models.ErrInvalidTransition {
		return nil, fmt.Errorf("failing session %s: %w", sess.ID, err)
	}
	effects := []models.Effect{models.SendMessageEffect(sess.ContactAddress, it.messages.Apology)}
	if it.fallbackDepartment != "" {
		effects = append(effects, models.Effect{
			Kind:       models.EffectTransfer,
			Department: it.fallbackDepartment,
			SessionID:  sess.ID,
			Context:    sess.Context,
			To:         sess.ContactAddress,
		})
	}
	return effects, derr
}

// renderStepPrompt renders a step's outbound text: the prompt template plus,
// for menu steps, the option listing.
func (it *Interpreter) renderStepPrompt(step models.StepDef, ctx map[models.VarName]string) string {
	body := RenderTemplate(step.Prompt, ctx)
	if step.Kind == models.StepKindMenu {
		for _, opt := range step.Options {
			label := RenderTemplate(opt.Label, ctx)
			if label == "" {
				body += "\n" + opt.Match
			} else {
				body += fmt.Sprintf(MenuOptionFormat, opt.Match, label)
			}
		}
	}
	return body
}

// RenderInitialPrompt renders the definition's initial step prompt for the
// session-creation greeting. Exposed for the router.
func (it *Interpreter) RenderInitialPrompt(def *models.FlowDefinition, sess *models.Session) (string, error) {
	step, ok := def.Steps[def.InitialStepID]
	if !ok {
		return "", defErr(def, def.InitialStepID, "initial step does not exist")
	}
	return it.renderStepPrompt(step, sess.Context), nil
}

// matchOption finds the option whose match value equals the case-folded input.
func matchOption(options []models.OptionDef, folded string) (models.OptionDef, bool) {
	for _, opt := range options {
		if strings.ToLower(strings.TrimSpace(opt.Match)) == folded {
			return opt, true
		}
	}
	return models.OptionDef{}, false
}
