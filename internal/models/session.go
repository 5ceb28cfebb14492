// Package models defines session state structures for TriageFlow.
package models

import (
	"errors"
	"time"
)

// Session lifecycle error variables.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotActive    = errors.New("session is not in progress")
	ErrInvalidTransition   = errors.New("invalid session status transition")
	ErrEmptyContactAddress = errors.New("contact address cannot be empty")
)

// HistoryEntry is one append-only audit record of an interpreter turn.
// Entries are never mutated after append and never drive control flow.
type HistoryEntry struct {
	StepID            StepID    `json:"step_id"`
	RawInput          string    `json:"raw_input"`
	Timestamp         time.Time `json:"timestamp"`
	ResponseLatencyMs int64     `json:"response_latency_ms"`
}

// Session represents one in-flight or completed run of a contact through a
// flow definition. Lookup key for the active session is
// (CompanyID, ContactAddress); the bound definition fixes the step namespace.
type Session struct {
	ID               string              `json:"id"`
	CompanyID        string              `json:"company_id"`
	Channel          Channel             `json:"channel"`
	ContactAddress   string              `json:"contact_address"`
	FlowDefinitionID string              `json:"flow_definition_id"`
	CurrentStepID    StepID              `json:"current_step_id"`
	PreviousStepID   StepID              `json:"previous_step_id,omitempty"`
	Context          map[VarName]string  `json:"context"`
	History          []HistoryEntry      `json:"history"`
	Status           SessionStatus       `json:"status"`
	StartedAt        time.Time           `json:"started_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	ResultTicketID   string              `json:"result_ticket_id,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Transition moves the session to a new status, enforcing the one-directional
// lifecycle: InProgress is the only status with outgoing edges.
func (s *Session) Transition(to SessionStatus, now time.Time) error {
	if s.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	s.Status = to
	s.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// AppendHistory records one interpreter turn against the given step.
func (s *Session) AppendHistory(stepID StepID, rawInput string, now time.Time) {
	latency := int64(0)
	if n := len(s.History); n > 0 {
		latency = now.Sub(s.History[n-1].Timestamp).Milliseconds()
	} else {
		latency = now.Sub(s.StartedAt).Milliseconds()
	}
	s.History = append(s.History, HistoryEntry{
		StepID:            stepID,
		RawInput:          rawInput,
		Timestamp:         now,
		ResponseLatencyMs: latency,
	})
	s.UpdatedAt = now
}

// LastActivity returns the timestamp of the most recent turn, falling back to
// the session start. The idle-expiry sweep compares against this.
func (s *Session) LastActivity() time.Time {
	if n := len(s.History); n > 0 {
		return s.History[n-1].Timestamp
	}
	return s.StartedAt
}

// SetContext writes a variable into the session context, allocating the map
// on first use. A nil value clears the variable.
func (s *Session) SetContext(name VarName, value *string) {
	if s.Context == nil {
		s.Context = make(map[VarName]string)
	}
	if value == nil {
		delete(s.Context, name)
		return
	}
	s.Context[name] = *value
}
