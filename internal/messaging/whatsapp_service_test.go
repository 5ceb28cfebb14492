package messaging

import (
	"context"
	"testing"

	"github.com/conectcrm/triageflow/internal/whatsapp"
)

var _ Service = (*WhatsAppService)(nil)

func TestWhatsAppServiceSendMessageCanonicalizes(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "company-1")

	if err := svc.SendMessage(context.Background(), "+55 (11) 99999-0000", "Olá!"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d sent messages, want 1", len(sent))
	}
	if sent[0].To != "5511999990000" {
		t.Errorf("recipient = %q, want digits only", sent[0].To)
	}
	if sent[0].Body != "Olá!" {
		t.Errorf("body = %q", sent[0].Body)
	}
}

func TestWhatsAppServiceRejectsBadRecipient(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "company-1")

	for _, recipient := range []string{"", "no-digits", "12345"} {
		if err := svc.SendMessage(context.Background(), recipient, "hello"); err == nil {
			t.Errorf("SendMessage(%q) succeeded, want error", recipient)
		}
	}
	if len(mock.Sent()) != 0 {
		t.Errorf("invalid recipients must not reach the client, got %v", mock.Sent())
	}
}

func TestWhatsAppServiceStartWithoutFullClient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "company-1")

	// A mock sender carries no event stream; Start is a no-op.
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("inbound channel should be closed after Stop")
	}
}
