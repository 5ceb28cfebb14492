package models

import (
	"testing"
	"time"
)

func TestSessionTransition_Lifecycle(t *testing.T) {
	now := time.Now()
	sess := Session{Status: SessionInProgress, StartedAt: now}

	if err := sess.Transition(SessionCompleted, now); err != nil {
		t.Fatalf("Transition to completed returned error: %v", err)
	}
	if sess.Status != SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if sess.CompletedAt == nil || !sess.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", sess.CompletedAt, now)
	}

	// Terminal statuses are final.
	if err := sess.Transition(SessionInProgress, now); err != ErrInvalidTransition {
		t.Errorf("Transition out of terminal status error = %v, want ErrInvalidTransition", err)
	}
}

func TestSessionTransition_AllTerminalStatusesAreFinal(t *testing.T) {
	now := time.Now()
	for _, status := range []SessionStatus{SessionCompleted, SessionAbandoned, SessionTransferred, SessionExpired, SessionErrored} {
		sess := Session{Status: status}
		if err := sess.Transition(SessionInProgress, now); err != ErrInvalidTransition {
			t.Errorf("Transition from %q error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestSessionAppendHistory_Latency(t *testing.T) {
	start := time.Now()
	sess := Session{Status: SessionInProgress, StartedAt: start}

	first := start.Add(2 * time.Second)
	sess.AppendHistory("menu", "1", first)
	if got := sess.History[0].ResponseLatencyMs; got != 2000 {
		t.Errorf("first entry latency = %d, want 2000", got)
	}

	second := first.Add(500 * time.Millisecond)
	sess.AppendHistory("collect", "Ana", second)
	if got := sess.History[1].ResponseLatencyMs; got != 500 {
		t.Errorf("second entry latency = %d, want 500", got)
	}

	if !sess.LastActivity().Equal(second) {
		t.Errorf("LastActivity = %v, want %v", sess.LastActivity(), second)
	}
	if !sess.UpdatedAt.Equal(second) {
		t.Errorf("UpdatedAt = %v, want %v", sess.UpdatedAt, second)
	}
}

func TestSessionLastActivity_FallsBackToStart(t *testing.T) {
	start := time.Now()
	sess := Session{StartedAt: start}
	if !sess.LastActivity().Equal(start) {
		t.Errorf("LastActivity = %v, want StartedAt", sess.LastActivity())
	}
}

func TestSessionSetContext(t *testing.T) {
	var sess Session
	value := "comercial"
	sess.SetContext("setor", &value)
	if sess.Context["setor"] != "comercial" {
		t.Errorf("context setor = %q", sess.Context["setor"])
	}

	sess.SetContext("setor", nil)
	if _, ok := sess.Context["setor"]; ok {
		t.Error("nil value did not clear the variable")
	}
}
