package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/trellis-labs/trellis/core"
	"github.com/trellis-labs/trellis/validate"
)

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var graph core.Graph
	if err := readJSONBody(r, &graph); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a graph: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(graph))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub core.Submission
	if err := readJSONBody(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a submission: "+err.Error())
		return
	}

	res := s.validator.Validate(sub.Graph)
	if !res.OK {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"graph failed validation", diagnosticDetails(res.Diagnostics)...)
		return
	}
	sub.Graph = res.Normalized

	execID, err := s.engine.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}

	s.logger.Info("execution submitted",
		"execution_id", execID,
		"user_id", sub.ResolveUser(),
		"nodes", len(sub.Graph.Nodes))
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = core.AnonymousUser
	}
	execs := s.engine.List(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.engine.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input string `json:"input"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must carry input: "+err.Error())
		return
	}

	execID := r.PathValue("id")
	if err := s.engine.ProvideInput(execID, body.Input); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": execID, "status": "accepted"})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	if err := s.engine.Cancel(execID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": execID, "status": "cancelling"})
}

func diagnosticDetails(diags []validate.Diagnostic) []string {
	details := make([]string, 0, len(diags))
	for _, d := range diags {
		details = append(details, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return details
}

// readJSONBody decodes into v, translating body-size overruns into a
// distinct error message.
func readJSONBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
	}
	return err
}
