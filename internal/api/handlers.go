// Package api provides HTTP handlers for TriageFlow endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/conectcrm/triageflow/internal/flow"
	"github.com/conectcrm/triageflow/internal/models"
	"github.com/google/uuid"
)

// flowsHandler handles the flow definition collection (POST and GET /flows).
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.flowsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodPost:
		s.createFlowHandler(w, r)
	case http.MethodGet:
		s.listFlowsHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.flowsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// createFlowHandler stores a flow definition draft after validating it.
func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var def models.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if def.CompanyID == "" {
		def.CompanyID = s.companyID
	}
	if def.Version == 0 {
		def.Version = 1
	}

	if err := flow.ValidateDefinition(&def); err != nil {
		slog.Warn("Server.createFlowHandler: validation failed", "error", err, "flow_code", def.Code)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := time.Now()
	if def.ID == "" {
		def.ID = uuid.NewString()
		def.CreatedAt = now
	} else {
		existing, err := s.st.GetFlowDefinition(def.ID)
		if err != nil && !errors.Is(err, models.ErrDefinitionNotFound) {
			slog.Error("Server.createFlowHandler: failed to load existing definition", "error", err, "flow_id", def.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow definition"))
			return
		}
		if existing != nil && existing.Published {
			slog.Warn("Server.createFlowHandler: rejected edit of published definition", "flow_id", def.ID)
			writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrDefinitionPublished.Error()))
			return
		}
		if existing != nil {
			def.CreatedAt = existing.CreatedAt
		} else {
			def.CreatedAt = now
		}
	}
	// Definitions are stored as drafts; publishing is a separate operation.
	def.Published = false
	def.UpdatedAt = now

	if err := s.st.SaveFlowDefinition(def); err != nil {
		slog.Error("Server.createFlowHandler: failed to save definition", "error", err, "flow_id", def.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow definition"))
		return
	}

	slog.Info("Server.createFlowHandler: flow definition saved", "flow_id", def.ID, "flow_code", def.Code, "version", def.Version)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow definition saved", def))
}

// listFlowsHandler returns definitions for a company (GET /flows).
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		companyID = s.companyID
	}
	defs, err := s.st.ListFlowDefinitions(companyID)
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list definitions", "error", err, "company_id", companyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow definitions"))
		return
	}
	slog.Debug("Server.listFlowsHandler: definitions fetched", "count", len(defs), "company_id", companyID)
	writeJSONResponse(w, http.StatusOK, models.Success(defs))
}

// flowHandler handles single-definition operations (/flows/{id} and
// /flows/{id}/publish).
func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/flows/")
	segments := strings.Split(strings.TrimSuffix(path, "/"), "/")

	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing flow definition id"))
		return
	}
	flowID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getFlowHandler(w, r, flowID)
		return
	}

	if len(segments) == 2 && segments[1] == "publish" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.publishFlowHandler(w, r, flowID)
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow endpoint"))
}

// getFlowHandler returns one definition (GET /flows/{id}).
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	def, err := s.st.GetFlowDefinition(flowID)
	if err != nil {
		if errors.Is(err, models.ErrDefinitionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow definition not found"))
			return
		}
		slog.Error("Server.getFlowHandler: failed to load definition", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow definition"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(def))
}

// publishFlowHandler re-validates a draft and marks it published
// (POST /flows/{id}/publish). Publishing an already published definition is
// a no-op.
func (s *Server) publishFlowHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	def, err := s.st.GetFlowDefinition(flowID)
	if err != nil {
		if errors.Is(err, models.ErrDefinitionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow definition not found"))
			return
		}
		slog.Error("Server.publishFlowHandler: failed to load definition", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow definition"))
		return
	}
	if def.Published {
		slog.Debug("Server.publishFlowHandler: definition already published", "flow_id", flowID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow definition already published", def))
		return
	}

	if err := flow.ValidateDefinition(def); err != nil {
		slog.Warn("Server.publishFlowHandler: validation failed", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	def.Published = true
	def.UpdatedAt = time.Now()
	if err := s.st.SaveFlowDefinition(*def); err != nil {
		slog.Error("Server.publishFlowHandler: failed to save definition", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to publish flow definition"))
		return
	}

	slog.Info("Server.publishFlowHandler: flow definition published", "flow_id", def.ID, "flow_code", def.Code, "version", def.Version)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow definition published", def))
}

// sessionsHandler returns sessions for a company (GET /sessions), optionally
// filtered by status.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		companyID = s.companyID
	}
	sessions, err := s.st.ListSessions(companyID)
	if err != nil {
		slog.Error("Server.sessionsHandler: failed to list sessions", "error", err, "company_id", companyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if string(sess.Status) == status {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}

	slog.Debug("Server.sessionsHandler: sessions fetched", "count", len(sessions), "company_id", companyID)
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// sessionHandler returns one session (GET /sessions/{id}).
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session endpoint"))
		return
	}

	sess, err := s.st.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.sessionHandler: failed to load session", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// inboundHandler accepts a contact message over HTTP (POST /inbound). Webchat
// widgets post here directly; the message is dispatched to the router
// asynchronously and the endpoint answers with an accepted status.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundHandler: processing inbound message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if msg.CompanyID == "" {
		msg.CompanyID = s.companyID
	}
	if msg.Channel == "" {
		msg.Channel = models.ChannelWebchat
	}
	if msg.ContactAddress == "" {
		slog.Warn("Server.inboundHandler: missing contact address")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: contact_address"))
		return
	}
	if msg.Body == "" {
		slog.Warn("Server.inboundHandler: missing body", "contact", msg.ContactAddress)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if s.msgService != nil {
		canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(msg.ContactAddress)
		if err != nil {
			slog.Warn("Server.inboundHandler: contact validation failed", "error", err, "contact", msg.ContactAddress)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		msg.ContactAddress = canonical
	}

	go func(m models.InboundMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultInboundHandleTimeout)
		defer cancel()
		if err := s.rtr.HandleInbound(ctx, m); err != nil {
			slog.Error("Server.inboundHandler: router failed to handle message", "error", err, "contact", m.ContactAddress)
		}
	}(msg)

	slog.Info("Server.inboundHandler: inbound message accepted", "contact", msg.ContactAddress, "channel", msg.Channel)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(nil))
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// An active-session count doubles as a store liveness check.
	if sessions, err := s.st.ListSessions(s.companyID); err != nil {
		slog.Warn("Health check: failed to list sessions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch session metrics"
	} else {
		active := 0
		for _, sess := range sessions {
			if sess.Status == models.SessionInProgress {
				active++
			}
		}
		healthData["active_sessions"] = active
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
