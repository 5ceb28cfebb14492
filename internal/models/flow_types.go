// Package models defines flow type definitions to avoid circular imports.
package models

// StepID identifies a single step inside a flow definition.
type StepID string

// VarName is the name of a session context variable.
type VarName string

// Channel identifies the message transport a flow is published on.
type Channel string

// Channel constants.
const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelWebchat  Channel = "webchat"
)

// StepKind discriminates the closed set of step variants.
type StepKind string

// Step kind constants.
const (
	// StepKindMenu presents a list of selectable options.
	StepKindMenu StepKind = "menu"
	// StepKindCollect captures free text into a context variable.
	StepKindCollect StepKind = "collect"
	// StepKindTerminal ends the session when reached.
	StepKindTerminal StepKind = "terminal"
)

// IsValidStepKind checks if the given step kind is supported.
func IsValidStepKind(k StepKind) bool {
	switch k {
	case StepKindMenu, StepKindCollect, StepKindTerminal:
		return true
	default:
		return false
	}
}

// VarType is the declared value type of a context variable.
type VarType string

// Variable type constants.
const (
	VarTypeText    VarType = "text"
	VarTypeNumber  VarType = "number"
	VarTypeBoolean VarType = "boolean"
)

// IsValidVarType checks if the given variable type is supported. The empty
// type is valid and defaults to text.
func IsValidVarType(t VarType) bool {
	switch t {
	case "", VarTypeText, VarTypeNumber, VarTypeBoolean:
		return true
	default:
		return false
	}
}

// ActionType discriminates what taking a menu option does.
type ActionType string

// Action type constants.
const (
	// ActionAdvance moves the session to a fixed next step.
	ActionAdvance ActionType = "advance"
	// ActionConditional picks the next step from an ordered branch list.
	ActionConditional ActionType = "conditional"
	// ActionFinalize completes the session with a closing message.
	ActionFinalize ActionType = "finalize"
	// ActionTransfer hands the session off to a department queue.
	ActionTransfer ActionType = "transfer"
)

// SessionStatus represents the lifecycle state of a triage session.
type SessionStatus string

// Session status constants. InProgress is the only non-terminal status; every
// other status is final, and a later inbound message from the same contact
// starts a new session instead of resurrecting the old one.
const (
	SessionInProgress  SessionStatus = "in_progress"
	SessionCompleted   SessionStatus = "completed"
	SessionAbandoned   SessionStatus = "abandoned"
	SessionTransferred SessionStatus = "transferred"
	SessionExpired     SessionStatus = "expired"
	SessionErrored     SessionStatus = "errored"
)

// IsTerminal reports whether the status permits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionInProgress && s != ""
}

// ExitTokens are the reserved inputs that abandon a session from any step,
// matched case-insensitively with highest precedence. "sair" is the
// historical ConectCRM token; "exit" is the English alias.
var ExitTokens = []string{"sair", "exit"}

// IsExitToken reports whether the (already case-folded) input is a reserved
// exit token.
func IsExitToken(folded string) bool {
	for _, tok := range ExitTokens {
		if folded == tok {
			return true
		}
	}
	return false
}
