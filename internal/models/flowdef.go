// Package models defines the core data structures for TriageFlow.
//
// A FlowDefinition is the immutable, versioned description of one triage
// conversation: a tree of steps with menu options, free-text collection and
// conditional edges, authored as JSON by the ConectCRM admin UI.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for flow definitions.
const (
	// MaxPromptLength defines the maximum allowed length for a step prompt template.
	MaxPromptLength = 4096
	// MaxOptionMatchLength defines the maximum allowed length for an option match value.
	MaxOptionMatchLength = 100
	// MaxMenuOptionsCount defines the maximum number of options a menu step may define.
	MaxMenuOptionsCount = 20
)

// Error variables for better error handling and testability.
var (
	ErrEmptyCompanyID       = errors.New("company id cannot be empty")
	ErrEmptyFlowCode        = errors.New("flow code cannot be empty")
	ErrEmptyInitialStep     = errors.New("initial step id cannot be empty")
	ErrNoSteps              = errors.New("flow definition has no steps")
	ErrNoChannels           = errors.New("flow definition declares no channels")
	ErrInvalidStepKind      = errors.New("invalid step kind")
	ErrEmptyPrompt          = errors.New("prompt is required for menu and collect steps")
	ErrPromptTooLong        = errors.New("prompt exceeds maximum length")
	ErrNoMenuOptions        = errors.New("menu step requires at least one option")
	ErrTooManyMenuOptions   = errors.New("menu step defines too many options")
	ErrEmptyOptionMatch     = errors.New("option match value cannot be empty")
	ErrOptionMatchTooLong   = errors.New("option match value exceeds maximum length")
	ErrInvalidActionType    = errors.New("invalid option action type")
	ErrMissingNextStep      = errors.New("advance action requires a next step id")
	ErrMissingCollectVar    = errors.New("collect step requires a variable name")
	ErrMissingDepartment    = errors.New("transfer action requires a department reference")
	ErrEmptyBranchList      = errors.New("conditional action requires a non-empty branch list")
	ErrMissingTerminal      = errors.New("terminal step requires a terminal action")
	ErrEmptyVarName         = errors.New("variable declarations require a name")
	ErrInvalidVarType       = errors.New("invalid variable type")
	ErrInvalidTerminalKind  = errors.New("terminal action must be finalize or transfer")
	ErrDefinitionPublished  = errors.New("published flow definitions are immutable")
	ErrDefinitionNotFound   = errors.New("flow definition not found")
	ErrDefinitionUnresolved = errors.New("no published flow definition matches the inbound message")
)

// VarSpec declares one context variable the flow works with: the caption the
// authoring UI and ticket views show for it, its value type, and whether the
// flow is expected to have collected it before a handoff. Declarations are
// authoring metadata; the interpreter stores every context value as a string
// regardless of the declared type.
type VarSpec struct {
	Label    string  `json:"label,omitempty"`
	Type     VarType `json:"type,omitempty"` // defaults to text
	Required bool    `json:"required,omitempty"`
}

// ConditionalBranch is one (predicate, target) edge of a conditional action.
// Branch order is significant: evaluation is first-match-wins in the order
// the definition lists them.
type ConditionalBranch struct {
	When       string `json:"when"`
	NextStepID StepID `json:"next_step_id"`
}

// ActionDef describes what taking a menu option does. Exactly the fields for
// the declared Type are consulted; the rest stay zero.
type ActionDef struct {
	Type       ActionType          `json:"type"`
	NextStepID StepID              `json:"next_step_id,omitempty"` // advance
	Branches   []ConditionalBranch `json:"branches,omitempty"`     // conditional
	Message    string              `json:"message,omitempty"`      // finalize closing text
	Department string              `json:"department,omitempty"`   // transfer target núcleo
}

// OptionDef represents one selectable branch inside a menu step.
type OptionDef struct {
	// Match is the user input that selects this option, compared
	// case-insensitively after trimming.
	Match string `json:"match"`
	// Label is the human-readable caption rendered in the menu listing.
	Label  string    `json:"label,omitempty"`
	Action ActionDef `json:"action"`
	// ContextWrites are applied to the session context when the option is
	// taken. A nil value clears the variable.
	ContextWrites map[VarName]*string `json:"context_writes,omitempty"`
}

// TerminalDef describes a terminal step's closing action.
type TerminalDef struct {
	Type       ActionType `json:"type"` // finalize or transfer
	Message    string     `json:"message,omitempty"`
	Department string     `json:"department,omitempty"`
}

// StepDef is one node in the flow tree. Kind selects which of the variant
// fields apply: menu steps use Prompt+Options, collect steps use
// Prompt+Variable+NextStepID, terminal steps use Terminal.
type StepDef struct {
	Kind       StepKind     `json:"kind"`
	Prompt     string       `json:"prompt,omitempty"`
	Options    []OptionDef  `json:"options,omitempty"`
	Variable   VarName      `json:"variable,omitempty"`
	NextStepID StepID       `json:"next_step_id,omitempty"`
	Terminal   *TerminalDef `json:"terminal,omitempty"`
}

// FlowDefinition is an immutable, versioned triage flow document.
// Identity is (CompanyID, Code, Version); ID is assigned once and stable.
type FlowDefinition struct {
	ID            string             `json:"id"`
	CompanyID     string             `json:"company_id"`
	Code          string             `json:"code"`
	Version       int                `json:"version"`
	InitialStepID StepID             `json:"initial_step_id"`
	Steps         map[StepID]StepDef `json:"steps"`
	// Variables declares the context variables the flow collects or writes.
	Variables map[VarName]VarSpec `json:"variables,omitempty"`
	Channels  []Channel           `json:"channels"`
	// TriggerKeywords, when non-empty, make the definition preferred over
	// catch-all definitions for inbound text containing any keyword.
	TriggerKeywords []string  `json:"trigger_keywords,omitempty"`
	Priority        int       `json:"priority"` // lower value wins
	Published       bool      `json:"published"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ServesChannel reports whether the definition is published on the given channel.
func (d *FlowDefinition) ServesChannel(ch Channel) bool {
	for _, c := range d.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// MatchesKeyword reports whether any trigger keyword occurs in the inbound
// text (case-insensitive substring match). Definitions without keywords
// never match; they are catch-alls.
func (d *FlowDefinition) MatchesKeyword(text string) bool {
	folded := strings.ToLower(text)
	for _, kw := range d.TriggerKeywords {
		if kw != "" && strings.Contains(folded, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Validate performs structural validation on a FlowDefinition. Referential
// checks (dangling step ids, duplicate option matches, predicate grammar)
// are performed by the flow package at load time; this covers the per-field
// invariants only.
func (d *FlowDefinition) Validate() error {
	if d.CompanyID == "" {
		return ErrEmptyCompanyID
	}
	if d.Code == "" {
		return ErrEmptyFlowCode
	}
	if d.InitialStepID == "" {
		return ErrEmptyInitialStep
	}
	if len(d.Steps) == 0 {
		return ErrNoSteps
	}
	if len(d.Channels) == 0 {
		return ErrNoChannels
	}
	for _, step := range d.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
	}
	for name, spec := range d.Variables {
		if name == "" {
			return ErrEmptyVarName
		}
		if !IsValidVarType(spec.Type) {
			return ErrInvalidVarType
		}
	}
	return nil
}

// Validate checks the per-kind invariants of a single step.
func (s *StepDef) Validate() error {
	if !IsValidStepKind(s.Kind) {
		return ErrInvalidStepKind
	}
	switch s.Kind {
	case StepKindMenu:
		return s.validateMenu()
	case StepKindCollect:
		return s.validateCollect()
	case StepKindTerminal:
		return s.validateTerminal()
	}
	return nil
}

// validateMenu validates menu step requirements.
func (s *StepDef) validateMenu() error {
	if s.Prompt == "" {
		return ErrEmptyPrompt
	}
	if len(s.Prompt) > MaxPromptLength {
		return ErrPromptTooLong
	}
	if len(s.Options) == 0 {
		return ErrNoMenuOptions
	}
	if len(s.Options) > MaxMenuOptionsCount {
		return ErrTooManyMenuOptions
	}
	for _, opt := range s.Options {
		if opt.Match == "" {
			return ErrEmptyOptionMatch
		}
		if len(opt.Match) > MaxOptionMatchLength {
			return ErrOptionMatchTooLong
		}
		if err := opt.Action.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// validateCollect validates collect step requirements.
func (s *StepDef) validateCollect() error {
	if s.Prompt == "" {
		return ErrEmptyPrompt
	}
	if len(s.Prompt) > MaxPromptLength {
		return ErrPromptTooLong
	}
	if s.Variable == "" {
		return ErrMissingCollectVar
	}
	if s.NextStepID == "" {
		return ErrMissingNextStep
	}
	return nil
}

// validateTerminal validates terminal step requirements.
func (s *StepDef) validateTerminal() error {
	if s.Terminal == nil {
		return ErrMissingTerminal
	}
	switch s.Terminal.Type {
	case ActionFinalize:
		return nil
	case ActionTransfer:
		if s.Terminal.Department == "" {
			return ErrMissingDepartment
		}
		return nil
	default:
		return ErrInvalidTerminalKind
	}
}

// Validate checks the per-type invariants of an option action.
func (a *ActionDef) Validate() error {
	switch a.Type {
	case ActionAdvance:
		if a.NextStepID == "" {
			return ErrMissingNextStep
		}
	case ActionConditional:
		if len(a.Branches) == 0 {
			return ErrEmptyBranchList
		}
	case ActionFinalize:
		// closing message is optional; a configured default applies
	case ActionTransfer:
		if a.Department == "" {
			return ErrMissingDepartment
		}
	default:
		return ErrInvalidActionType
	}
	return nil
}
