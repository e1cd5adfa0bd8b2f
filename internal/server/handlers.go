package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/orchestrator"
	"github.com/normanking/dispatch/pkg/types"
)

// DispatchRequest is the body of POST /v1/dispatch. Attachment data
// travels base64-encoded per encoding/json's []byte handling.
type DispatchRequest struct {
	SessionID   string             `json:"session_id"`
	Text        string             `json:"text"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// DispatchResponse is the body of a successful dispatch.
type DispatchResponse struct {
	RequestID string          `json:"request_id"`
	Text      string          `json:"text"`
	Category  types.Category  `json:"category"`
	Priority  types.Priority  `json:"priority"`
	ModelUsed string          `json:"model_used,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
	Degraded  bool            `json:"degraded,omitempty"`
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.orch.Submit(r.Context(), req.SessionID, req.Text, req.Attachments)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrEmptyRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrSessionBusy):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, orchestrator.ErrBudgetExhausted):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			s.log.Error().Err(err).Msg("dispatch failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, DispatchResponse{
		RequestID: reply.RequestID,
		Text:      reply.Text,
		Category:  reply.Category,
		Priority:  reply.Priority,
		ModelUsed: reply.ModelUsed,
		LatencyMs: reply.Latency.Milliseconds(),
		Degraded:  reply.Degraded,
		ErrorKind: reply.ErrorKind,
	})
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
	Backend bool   `json:"backend_available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := s.provider != nil && s.provider.Available()

	status := "ok"
	code := http.StatusOK
	if !backend {
		status = "degraded"
	}

	writeJSON(w, code, HealthResponse{
		Status:  status,
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Backend: backend,
	})
}

// StatsResponse aggregates routing, dispatch, and session statistics.
type StatsResponse struct {
	Routing          any `json:"routing"`
	Dispatch         any `json:"dispatch"`
	SessionsInFlight int `json:"sessions_in_flight"`
	SessionsStored   int `json:"sessions_stored"`
	TurnsStored      int `json:"turns_stored"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{}
	if s.router != nil {
		resp.Routing = s.router.Stats()
	}
	if s.collector != nil {
		resp.Dispatch = s.collector.GetSnapshot()
	}
	if s.orch != nil {
		resp.SessionsInFlight = s.orch.SessionsInFlight()
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if n, err := s.store.SessionCount(ctx); err == nil {
			resp.SessionsStored = n
		}
		if n, err := s.store.TurnCount(ctx); err == nil {
			resp.TurnsStored = n
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, resp)
}

// ModelLister is implemented by providers that can enumerate the models
// installed on the backend.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.OllamaModel, error)
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Models []llm.OllamaModel `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.provider.(ModelLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "backend cannot list models")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	installed, err := lister.ListModels(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "backend unreachable")
		return
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: installed})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
