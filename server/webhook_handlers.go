package server

import (
	"io"
	"net/http"

	"github.com/trellis-labs/trellis/core"
)

type registerWebhookRequest struct {
	Graph     core.Graph `json:"graph"`
	UserID    string     `json:"user_id,omitempty"`
	Framework string     `json:"framework,omitempty"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must carry a graph: "+err.Error())
		return
	}

	res := s.validator.Validate(req.Graph)
	if !res.OK {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"graph failed validation", diagnosticDetails(res.Diagnostics)...)
		return
	}

	reg := s.webhooks.Register(res.Normalized, req.UserID, req.Framework)
	s.logger.Info("webhook registered", "webhook_id", reg.WebhookID, "user_id", req.UserID)
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, _ *http.Request) {
	ids := s.webhooks.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_ids": ids,
		"count":       len(ids),
	})
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.webhooks.Remove(id)
	if s.scheduler != nil {
		s.scheduler.RemoveByWebhook(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// triggerResponse is the webhook caller's view of a settled run: the result
// on success, the classified error on failure. The full record stays behind
// GET /api/executions/{id}.
type triggerResponse struct {
	OK          bool            `json:"ok"`
	ExecutionID string          `json:"execution_id"`
	Result      string          `json:"result,omitempty"`
	Error       *core.ExecError `json:"error,omitempty"`
}

// handleTriggerWebhook runs the webhook's graph with the raw body as input
// and blocks until the execution settles, bounded by the request context.
func (s *Server) handleTriggerWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	exec, err := s.webhooks.Trigger(r.Context(), id, body)
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusGatewayTimeout, "trigger_timeout", err.Error())
			return
		}
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	if exec.Status == core.StatusCompleted {
		writeJSON(w, http.StatusOK, triggerResponse{OK: true, ExecutionID: exec.ID, Result: exec.Result})
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{OK: false, ExecutionID: exec.ID, Error: exec.Error})
}

type createScheduleRequest struct {
	Cron  string `json:"cron"`
	Input string `json:"input,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("id")
	if s.webhooks != nil {
		if _, ok := s.webhooks.Lookup(webhookID); !ok {
			writeError(w, http.StatusNotFound, "not_found", "webhook is not registered")
			return
		}
	}

	var req createScheduleRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must carry a cron expression: "+err.Error())
		return
	}

	entry, err := s.scheduler.Add(webhookID, req.Cron, req.Input)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := s.scheduler.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}
