package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conectcrm/triageflow/internal/flow"
	"github.com/conectcrm/triageflow/internal/models"
	"github.com/conectcrm/triageflow/internal/store"
	"github.com/conectcrm/triageflow/internal/ticket"
)

// recordingSender captures outbound messages for assertions.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+": "+body)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func routerDefinition(id string, priority int, keywords ...string) models.FlowDefinition {
	return models.FlowDefinition{
		ID:            id,
		CompanyID:     "company-1",
		Code:          "flow-" + id,
		Version:       1,
		InitialStepID: "menu",
		Steps: map[models.StepID]models.StepDef{
			"menu": {
				Kind:   models.StepKindMenu,
				Prompt: "Como podemos ajudar? [" + id + "]",
				Options: []models.OptionDef{
					{Match: "1", Label: "Falar com atendente", Action: models.ActionDef{Type: models.ActionTransfer, Department: "suporte"}},
					{Match: "2", Label: "Informar nome", Action: models.ActionDef{Type: models.ActionAdvance, NextStepID: "collect"}},
				},
			},
			"collect": {
				Kind:       models.StepKindCollect,
				Prompt:     "Qual é o seu nome?",
				Variable:   "nome",
				NextStepID: "done",
			},
			"done": {
				Kind:     models.StepKindTerminal,
				Terminal: &models.TerminalDef{Type: models.ActionFinalize, Message: "Obrigado, {nome}!"},
			},
		},
		Channels:        []models.Channel{models.ChannelWhatsApp},
		TriggerKeywords: keywords,
		Priority:        priority,
		Published:       true,
	}
}

func newTestRouter(t *testing.T, defs ...models.FlowDefinition) (*Router, *store.InMemoryStore, *recordingSender, *ticket.MemoryGateway) {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, def := range defs {
		if err := st.SaveFlowDefinition(def); err != nil {
			t.Fatalf("failed to seed definition: %v", err)
		}
	}
	sender := &recordingSender{}
	tickets := ticket.NewMemoryGateway()
	rtr := New(st, flow.NewInterpreter(), sender, tickets)
	return rtr, st, sender, tickets
}

func inboundMsg(contact, body string) models.InboundMessage {
	return models.InboundMessage{
		CompanyID:      "company-1",
		Channel:        models.ChannelWhatsApp,
		ContactAddress: contact,
		Body:           body,
		Timestamp:      time.Now(),
	}
}

func TestRouter_FirstContactCreatesSessionAndSendsPrompt(t *testing.T) {
	rtr, st, sender, _ := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()

	if err := rtr.HandleInbound(ctx, inboundMsg("5511999990000", "oi")); err != nil {
		t.Fatalf("HandleInbound returned error: %v", err)
	}

	sess, err := st.GetActiveSession("company-1", "5511999990000")
	if err != nil || sess == nil {
		t.Fatalf("expected active session, got (%v, %v)", sess, err)
	}
	if sess.FlowDefinitionID != "def-1" || sess.CurrentStepID != "menu" {
		t.Errorf("session = %+v", sess)
	}

	msgs := sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Como podemos ajudar?") {
		t.Errorf("sent messages = %v", msgs)
	}
	if !strings.Contains(msgs[0], "1 - Falar com atendente") {
		t.Errorf("initial prompt missing menu options: %v", msgs[0])
	}
}

func TestRouter_FullConversation(t *testing.T) {
	rtr, st, sender, _ := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()
	contact := "5511999990000"

	for _, body := range []string{"oi", "2", "Ana"} {
		if err := rtr.HandleInbound(ctx, inboundMsg(contact, body)); err != nil {
			t.Fatalf("HandleInbound(%q) returned error: %v", body, err)
		}
	}

	active, _ := st.GetActiveSession("company-1", contact)
	if active != nil {
		t.Errorf("expected no active session after completion, got %+v", active)
	}

	sessions, _ := st.ListSessions("company-1")
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].Status != models.SessionCompleted {
		t.Errorf("session status = %q, want completed", sessions[0].Status)
	}
	if sessions[0].Context["nome"] != "Ana" {
		t.Errorf("session context = %+v", sessions[0].Context)
	}

	msgs := sender.messages()
	last := msgs[len(msgs)-1]
	if !strings.Contains(last, "Obrigado, Ana!") {
		t.Errorf("final message = %q, want closing with collected name", last)
	}
}

func TestRouter_TransferCreatesTicket(t *testing.T) {
	rtr, st, _, tickets := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()
	contact := "5511999990000"

	rtr.HandleInbound(ctx, inboundMsg(contact, "oi"))
	if err := rtr.HandleInbound(ctx, inboundMsg(contact, "1")); err != nil {
		t.Fatalf("HandleInbound returned error: %v", err)
	}

	if len(tickets.Requests) != 1 {
		t.Fatalf("got %d ticket requests, want 1", len(tickets.Requests))
	}
	req := tickets.Requests[0]
	if req.Department != "suporte" || req.ContactAddress != contact {
		t.Errorf("ticket request = %+v", req)
	}

	sessions, _ := st.ListSessions("company-1")
	if sessions[0].Status != models.SessionTransferred {
		t.Errorf("session status = %q, want transferred", sessions[0].Status)
	}
	if sessions[0].ResultTicketID == "" {
		t.Error("ticket id not persisted on session")
	}
}

func TestRouter_CompletedSessionDoesNotResurrect(t *testing.T) {
	rtr, st, _, _ := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()
	contact := "5511999990000"

	for _, body := range []string{"oi", "2", "Ana"} {
		rtr.HandleInbound(ctx, inboundMsg(contact, body))
	}
	// Next message starts a fresh session instead of touching the old one.
	rtr.HandleInbound(ctx, inboundMsg(contact, "olá de novo"))

	sessions, _ := st.ListSessions("company-1")
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	var statuses []models.SessionStatus
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status)
	}
	if !(statuses[0] == models.SessionCompleted && statuses[1] == models.SessionInProgress) &&
		!(statuses[1] == models.SessionCompleted && statuses[0] == models.SessionInProgress) {
		t.Errorf("statuses = %v, want one completed and one in progress", statuses)
	}
}

func TestRouter_NoPublishedFlowDropsMessage(t *testing.T) {
	rtr, st, sender, _ := newTestRouter(t)
	ctx := context.Background()

	if err := rtr.HandleInbound(ctx, inboundMsg("5511999990000", "oi")); err != nil {
		t.Fatalf("HandleInbound returned error: %v", err)
	}
	sessions, _ := st.ListSessions("company-1")
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
	if len(sender.messages()) != 0 {
		t.Errorf("expected no outbound messages, got %v", sender.messages())
	}
}

func TestRouter_EmptyContactRejected(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, routerDefinition("def-1", 10))
	if err := rtr.HandleInbound(context.Background(), inboundMsg("", "oi")); err != models.ErrEmptyContactAddress {
		t.Errorf("HandleInbound error = %v, want ErrEmptyContactAddress", err)
	}
}

func TestRouter_DuplicateMessageIDDropped(t *testing.T) {
	rtr, st, _, _ := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()

	msg := inboundMsg("5511999990000", "oi")
	msg.MessageID = "wamid-1"
	rtr.HandleInbound(ctx, msg)
	rtr.HandleInbound(ctx, msg) // duplicate webhook delivery

	sessions, _ := st.ListSessions("company-1")
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if len(sessions[0].History) != 0 {
		t.Errorf("duplicate was interpreted: history = %+v", sessions[0].History)
	}
}

func TestRouter_SelectionPrefersKeywordMatch(t *testing.T) {
	catchAll := routerDefinition("def-catchall", 1)
	billing := routerDefinition("def-billing", 50, "boleto", "fatura")
	rtr, st, _, _ := newTestRouter(t, catchAll, billing)

	// Keyword match beats the lower-priority catch-all.
	rtr.HandleInbound(context.Background(), inboundMsg("5511999990000", "meu boleto venceu"))
	sess, _ := st.GetActiveSession("company-1", "5511999990000")
	if sess.FlowDefinitionID != "def-billing" {
		t.Errorf("selected %q, want def-billing", sess.FlowDefinitionID)
	}

	// Without a keyword, the catch-all wins.
	rtr.HandleInbound(context.Background(), inboundMsg("5511888880000", "bom dia"))
	sess, _ = st.GetActiveSession("company-1", "5511888880000")
	if sess.FlowDefinitionID != "def-catchall" {
		t.Errorf("selected %q, want def-catchall", sess.FlowDefinitionID)
	}
}

func TestRouter_SelectionPriorityAndTieBreak(t *testing.T) {
	rtr, st, _, _ := newTestRouter(t,
		routerDefinition("def-b", 10),
		routerDefinition("def-a", 10), // tie resolved by id
		routerDefinition("def-c", 99),
	)

	rtr.HandleInbound(context.Background(), inboundMsg("5511999990000", "oi"))
	sess, _ := st.GetActiveSession("company-1", "5511999990000")
	if sess.FlowDefinitionID != "def-a" {
		t.Errorf("selected %q, want def-a (priority tie broken by id)", sess.FlowDefinitionID)
	}
}

func TestRouter_ConcurrentMessagesSerializePerSession(t *testing.T) {
	rtr, st, _, _ := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()
	contact := "5511999990000"

	rtr.HandleInbound(ctx, inboundMsg(contact, "oi"))

	// Unmatched menu inputs re-prompt without advancing, so each handled
	// message appends exactly one history entry.
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rtr.HandleInbound(ctx, inboundMsg(contact, fmt.Sprintf("mensagem %d", i)))
		}(i)
	}
	wg.Wait()

	sess, _ := st.GetActiveSession("company-1", contact)
	if sess == nil {
		t.Fatal("expected active session")
	}
	if len(sess.History) != n {
		t.Errorf("history length = %d, want %d", len(sess.History), n)
	}
	if sess.CurrentStepID != "menu" {
		t.Errorf("session at %q, want menu", sess.CurrentStepID)
	}
}

func TestRouter_ExpireIdleSessions(t *testing.T) {
	rtr, st, _, _ := newTestRouter(t, routerDefinition("def-1", 10))
	ctx := context.Background()

	rtr.HandleInbound(ctx, inboundMsg("5511999990000", "oi"))
	rtr.HandleInbound(ctx, inboundMsg("5511888880000", "oi"))

	// Age the first session past the idle window.
	sess, _ := st.GetActiveSession("company-1", "5511999990000")
	sess.StartedAt = time.Now().Add(-time.Hour)
	st.SaveSession(*sess)

	expired, err := rtr.ExpireIdleSessions(ctx)
	if err != nil {
		t.Fatalf("ExpireIdleSessions returned error: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	aged, _ := st.GetSession(sess.ID)
	if aged.Status != models.SessionExpired {
		t.Errorf("aged session status = %q, want expired", aged.Status)
	}
	fresh, _ := st.GetActiveSession("company-1", "5511888880000")
	if fresh == nil {
		t.Error("fresh session was expired by the sweep")
	}

	// A message after expiry starts a new session.
	rtr.HandleInbound(ctx, inboundMsg("5511999990000", "oi de novo"))
	restarted, _ := st.GetActiveSession("company-1", "5511999990000")
	if restarted == nil || restarted.ID == sess.ID {
		t.Errorf("expected a fresh session after expiry, got %+v", restarted)
	}
}

func TestRouter_RunConsumesInboundChannel(t *testing.T) {
	rtr, st, _, _ := newTestRouter(t, routerDefinition("def-1", 10))

	inbound := make(chan models.InboundMessage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rtr.Run(ctx, inbound)
		close(done)
	}()

	inbound <- inboundMsg("5511999990000", "oi")

	// Handling is asynchronous; poll briefly for the session.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, _ := st.GetActiveSession("company-1", "5511999990000")
		if sess != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never created from channel message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(inbound)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
}
