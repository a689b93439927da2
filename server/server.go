// Package server exposes the engine over HTTP: submission, inspection,
// cancellation, user input, live event streams, webhooks, and schedules.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
	"github.com/trellis-labs/trellis/schedule"
	"github.com/trellis-labs/trellis/validate"
	"github.com/trellis-labs/trellis/webhook"
)

// Engine is the execution surface the server drives.
type Engine interface {
	Submit(ctx context.Context, sub core.Submission) (string, error)
	Get(executionID string) (*core.Execution, bool)
	List(userID string) []*core.Execution
	Subscribe(executionID string) (*core.Execution, bus.Subscription, bool)
	ProvideInput(executionID, input string) error
	Cancel(executionID string) error
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Engine    Engine
	Validator *validate.Validator
	Webhooks  *webhook.Registry
	Scheduler *schedule.Scheduler

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the trellis HTTP API server.
type Server struct {
	engine     Engine
	validator  *validate.Validator
	webhooks   *webhook.Registry
	scheduler  *schedule.Scheduler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = validate.NewValidator()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		engine:     cfg.Engine,
		validator:  validator,
		webhooks:   cfg.Webhooks,
		scheduler:  cfg.Scheduler,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("POST /api/executions", s.handleSubmit)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("POST /api/executions/{id}/input", s.handleProvideInput)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)

	if s.webhooks != nil {
		mux.HandleFunc("POST /api/webhooks", s.handleRegisterWebhook)
		mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
		mux.HandleFunc("DELETE /api/webhooks/{id}", s.handleRemoveWebhook)
		mux.HandleFunc("POST /hooks/{id}", s.handleTriggerWebhook)
	}
	if s.scheduler != nil {
		mux.HandleFunc("POST /api/webhooks/{id}/schedules", s.handleCreateSchedule)
		mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
		mux.HandleFunc("DELETE /api/schedules/{id}", s.handleRemoveSchedule)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
