// Package models defines the effect and inbound message types exchanged
// between the interpreter and its collaborators.
package models

import "time"

// EffectKind discriminates the outbound effects an interpreter turn produces.
type EffectKind string

// Effect kind constants.
const (
	// EffectSendMessage delivers rendered text to the contact.
	EffectSendMessage EffectKind = "send_message"
	// EffectCreateTicket asks the ticketing subsystem to open a ticket.
	EffectCreateTicket EffectKind = "create_ticket"
	// EffectTransfer hands the conversation to a human-staffed department.
	EffectTransfer EffectKind = "transfer"
	// EffectEndSession closes the conversation with a final message.
	EffectEndSession EffectKind = "end_session"
)

// Effect is one outbound action produced by an interpreter turn. The
// interpreter computes effects; dispatching them to the channel adapter and
// the ticket gateway is the router's responsibility.
type Effect struct {
	Kind       EffectKind         `json:"kind"`
	To         string             `json:"to,omitempty"`         // contact address for send/end
	Body       string             `json:"body,omitempty"`       // rendered message text
	Department string             `json:"department,omitempty"` // transfer/ticket target
	SessionID  string             `json:"session_id,omitempty"`
	Context    map[VarName]string `json:"context,omitempty"` // collected variables for ticket creation
}

// SendMessageEffect builds a message delivery effect.
func SendMessageEffect(to, body string) Effect {
	return Effect{Kind: EffectSendMessage, To: to, Body: body}
}

// EndSessionEffect builds a session close effect carrying the final message.
func EndSessionEffect(to, body string) Effect {
	return Effect{Kind: EffectEndSession, To: to, Body: body}
}

// InboundMessage is one message received from a channel adapter.
type InboundMessage struct {
	CompanyID      string    `json:"company_id"`
	Channel        Channel   `json:"channel"`
	ContactAddress string    `json:"contact_address"`
	Body           string    `json:"body"`
	// MessageID is the transport's message identifier, used to drop
	// duplicate webhook deliveries. Optional; empty disables dedup.
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
