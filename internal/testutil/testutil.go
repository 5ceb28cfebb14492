// Package testutil provides common test utilities and helpers for TriageFlow tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conectcrm/triageflow/internal/api"
	"github.com/conectcrm/triageflow/internal/flow"
	"github.com/conectcrm/triageflow/internal/messaging"
	"github.com/conectcrm/triageflow/internal/models"
	"github.com/conectcrm/triageflow/internal/router"
	"github.com/conectcrm/triageflow/internal/store"
	"github.com/conectcrm/triageflow/internal/ticket"
)

// TestCompanyID is the company id used by helpers in this package.
const TestCompanyID = "company-1"

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer() (*api.Server, *store.InMemoryStore, *messaging.MemoryService) {
	st := store.NewInMemoryStore()
	svc := messaging.NewMemoryService(TestCompanyID, models.ChannelWebchat)
	interp := flow.NewInterpreter()
	rtr := router.New(st, interp, svc, ticket.NewMemoryGateway())

	return api.NewServer(st, rtr, svc, TestCompanyID), st, svc
}

// SampleDefinition builds a small published triage flow used across tests:
// a menu whose first option collects the contact's name and thanks them, and
// whose second option transfers to the billing department.
func SampleDefinition() models.FlowDefinition {
	topic := "support"
	now := time.Now()
	return models.FlowDefinition{
		ID:            "def-1",
		CompanyID:     TestCompanyID,
		Code:          "triage-basic",
		Version:       1,
		InitialStepID: "menu",
		Steps: map[models.StepID]models.StepDef{
			"menu": {
				Kind:   models.StepKindMenu,
				Prompt: "How can we help?",
				Options: []models.OptionDef{
					{
						Match: "1",
						Label: "Talk to us",
						Action: models.ActionDef{
							Type:       models.ActionAdvance,
							NextStepID: "collect-name",
						},
						ContextWrites: map[models.VarName]*string{"topic": &topic},
					},
					{
						Match: "2",
						Label: "Billing",
						Action: models.ActionDef{
							Type:       models.ActionTransfer,
							Department: "billing",
						},
					},
				},
			},
			"collect-name": {
				Kind:       models.StepKindCollect,
				Prompt:     "What is your name?",
				Variable:   "name",
				NextStepID: "done",
			},
			"done": {
				Kind: models.StepKindTerminal,
				Terminal: &models.TerminalDef{
					Type:    models.ActionFinalize,
					Message: "Thanks, {name}!",
				},
			},
		},
		Channels:  []models.Channel{models.ChannelWebchat, models.ChannelWhatsApp},
		Priority:  10,
		Published: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
