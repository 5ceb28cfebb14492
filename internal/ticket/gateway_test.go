package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conectcrm/triageflow/internal/models"
)

func sampleRequest(sessionID string) Request {
	return Request{
		SessionID:      sessionID,
		CompanyID:      "company-1",
		Channel:        models.ChannelWhatsApp,
		ContactAddress: "5511999990000",
		Department:     "suporte",
		Context:        map[models.VarName]string{"nome": "Ana"},
	}
}

func TestMemoryGateway_CreateTicket(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	id1, err := g.CreateTicket(ctx, sampleRequest("sess-1"))
	if err != nil {
		t.Fatalf("CreateTicket returned error: %v", err)
	}
	if id1 == "" {
		t.Fatal("CreateTicket returned empty id")
	}

	id2, err := g.CreateTicket(ctx, sampleRequest("sess-2"))
	if err != nil {
		t.Fatalf("CreateTicket returned error: %v", err)
	}
	if id2 == id1 {
		t.Error("distinct sessions received the same ticket id")
	}
	if len(g.Requests) != 2 {
		t.Errorf("got %d recorded requests, want 2", len(g.Requests))
	}
	if g.Requests[0].Department != "suporte" {
		t.Errorf("recorded request = %+v", g.Requests[0])
	}
}

func TestMemoryGateway_IdempotentOnSessionID(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	id1, _ := g.CreateTicket(ctx, sampleRequest("sess-1"))
	id2, err := g.CreateTicket(ctx, sampleRequest("sess-1"))
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if id2 != id1 {
		t.Errorf("retry returned id %q, want %q", id2, id1)
	}
	if len(g.Requests) != 1 {
		t.Errorf("retry recorded %d requests, want 1", len(g.Requests))
	}
}

func TestNewHTTPGateway_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPGateway(); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := NewHTTPGateway(WithBaseURL("http://crm.local")); err != nil {
		t.Errorf("NewHTTPGateway returned error: %v", err)
	}
}

func TestHTTPGateway_CreateTicket(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "ticket-42"})
	}))
	defer server.Close()

	g, err := NewHTTPGateway(WithBaseURL(server.URL), WithToken("secret"))
	if err != nil {
		t.Fatalf("NewHTTPGateway returned error: %v", err)
	}

	id, err := g.CreateTicket(context.Background(), sampleRequest("sess-1"))
	if err != nil {
		t.Fatalf("CreateTicket returned error: %v", err)
	}
	if id != "ticket-42" {
		t.Errorf("ticket id = %q, want ticket-42", id)
	}
	if gotPath != "POST /tickets" {
		t.Errorf("request = %q, want POST /tickets", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody.SessionID != "sess-1" || gotBody.Context["nome"] != "Ana" {
		t.Errorf("posted body = %+v", gotBody)
	}
}

func TestHTTPGateway_NoTokenOmitsAuthorization(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"id": "ticket-1"})
	}))
	defer server.Close()

	g, _ := NewHTTPGateway(WithBaseURL(server.URL))
	if _, err := g.CreateTicket(context.Background(), sampleRequest("sess-1")); err != nil {
		t.Fatalf("CreateTicket returned error: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want empty", gotAuth)
	}
}

func TestHTTPGateway_RejectedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g, _ := NewHTTPGateway(WithBaseURL(server.URL))
	_, err := g.CreateTicket(context.Background(), sampleRequest("sess-1"))
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "unexpected status 503") {
		t.Errorf("error = %v, want status in message", err)
	}
}

func TestHTTPGateway_ServerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	g, _ := NewHTTPGateway(WithBaseURL(server.URL))
	if _, err := g.CreateTicket(context.Background(), sampleRequest("sess-1")); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
