package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/executionpool"
	"github.com/tiger/conversational-ivr/internal/runtime/session"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/security/webhook"
)

// HealthResponse is served by / and /health.
type HealthResponse struct {
	Status       string               `json:"status"`
	Env          string               `json:"env,omitempty"`
	StoreBackend string               `json:"store_backend"`
	Providers    string               `json:"providers,omitempty"`
	Dispatcher   *executionpool.Stats `json:"dispatcher,omitempty"`
}

// AcceptedResponse acknowledges a scheduled call.
type AcceptedResponse struct {
	Status string `json:"status"`
	CallID string `json:"call_id"`
}

// FlowSavedResponse acknowledges a flow upsert.
type FlowSavedResponse struct {
	Status string `json:"status"`
	FlowID string `json:"flow_id"`
}

type statsReporter interface {
	Stats() executionpool.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:       "ok",
		Env:          s.cfg.Env,
		StoreBackend: s.cfg.Store.Backend(),
		Providers:    s.cfg.ProviderSummary,
	}
	if reporter, ok := s.cfg.Dispatcher.(statsReporter); ok {
		stats := reporter.Stats()
		resp.Dispatcher = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCallWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := s.cfg.Verifier.CheckSecret(r.Header.Get(webhook.SecretHeader)); err != nil {
		s.logger.Warn("webhook rejected", "reason", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.cfg.Verifier.CheckSignature(raw, r.Header.Get(webhook.SignatureHeader)); err != nil {
		s.logger.Warn("webhook rejected", "reason", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var event callflow.CallStartEvent
	if err := validateBody(s.schemas.callEvent, raw, &event); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event = event.Normalize()
	initial, err := session.NewSession(event, s.cfg.Clock.Stamp())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.cfg.Store.CreateSession(ctx, initial); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "call already received: "+event.CallID)
			return
		}
		s.logger.Error("create session failed", "call_id", event.CallID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not record call")
		return
	}

	err = s.cfg.Dispatcher.Submit(executionpool.Task{
		ID: event.CallID,
		Run: func(ctx context.Context) error {
			s.cfg.Runner.Run(ctx, event.CallID, event.From, event.To, event.MediaURL)
			return nil
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, executionpool.ErrTaskInFlight):
		writeError(w, http.StatusConflict, "call already in progress: "+event.CallID)
		return
	default:
		s.logger.Error("schedule call failed", "call_id", event.CallID, "error", err)
		// Undo the intake so a redelivered webhook is accepted.
		if delErr := s.cfg.Store.DeleteSession(context.WithoutCancel(ctx), event.CallID); delErr != nil {
			s.logger.Error("roll back session failed", "call_id", event.CallID, "error", delErr)
		}
		writeError(w, http.StatusServiceUnavailable, "call pipeline unavailable")
		return
	}

	s.logger.Info("call accepted", "call_id", event.CallID, "from", event.From, "to", event.To)
	writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", CallID: event.CallID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Store.ListSessions(r.Context())
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	got, err := s.cfg.Store.GetSession(r.Context(), r.PathValue("call_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.internalError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleSearchTranscripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.TranscriptQuery{
		CallID: q.Get("call_id"),
		From:   q.Get("from_ts"),
		To:     q.Get("to_ts"),
		Limit:  store.DefaultTranscriptLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > store.MaxTranscriptLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		query.Limit = limit
	}
	entries, err := s.cfg.Store.QueryTranscripts(r.Context(), query)
	if err != nil {
		s.internalError(w, "query transcripts", err)
		return
	}
	if entries == nil {
		entries = []callflow.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUpsertFlow(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var flow callflow.Flow
	if err := validateBody(s.schemas.flow, raw, &flow); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := flow.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.cfg.Store.UpsertFlow(r.Context(), flow)
	if err != nil {
		s.internalError(w, "upsert flow", err)
		return
	}
	s.logger.Info("flow saved", "flow_id", saved.FlowID, "nodes", len(saved.Nodes))
	writeJSON(w, http.StatusOK, FlowSavedResponse{Status: "ok", FlowID: saved.FlowID})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.cfg.Store.ListFlows(r.Context())
	if err != nil {
		s.internalError(w, "list flows", err)
		return
	}
	if flows == nil {
		flows = []callflow.Flow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.cfg.Store.GetFlow(r.Context(), r.PathValue("flow_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "flow not found")
			return
		}
		s.internalError(w, "get flow", err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
