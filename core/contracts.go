package core

import (
	"context"
	"time"
)

// AgentSpec carries the agent-node fields handed to the invoker.
type AgentSpec struct {
	Name         string `json:"name"`
	ModelID      string `json:"model_id"`
	Instructions string `json:"instructions"`
	Description  string `json:"description,omitempty"`
}

// ToolBinding describes one tool bound to an agent's tool set.
type ToolBinding struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// InvokeResult is the outcome of one agent invocation. RawTrace is the
// provider's trace in whatever shape it produces; the telemetry extractor
// interprets it.
type InvokeResult struct {
	FinalOutput string
	RawTrace    any
}

// AgentInvoker executes one agent node and returns its output plus a raw
// telemetry trace. Implementations are expected to honor the accepted
// provider-prefix set enforced by the validator.
type AgentInvoker interface {
	Invoke(ctx context.Context, spec AgentSpec, tools []ToolBinding, prompt string) (*InvokeResult, error)
}

// Credential is the decrypted per-user material returned by the broker.
// A nil EnabledToolIDs slice means no whitelist is enforced.
type Credential struct {
	APIKey         string
	EnabledToolIDs []string
}

// Allows reports whether the credential's whitelist permits the tool id.
func (c *Credential) Allows(toolID string) bool {
	if c == nil {
		return false
	}
	if c.EnabledToolIDs == nil {
		return true
	}
	for _, id := range c.EnabledToolIDs {
		if id == toolID {
			return true
		}
	}
	return false
}

// CredentialBroker supplies per-user API keys for third-party tool
// invocations. Resolve returns (nil, nil) when the user has no credential.
type CredentialBroker interface {
	Resolve(ctx context.Context, userID string) (*Credential, error)
}

// ExecutionSnapshot is the record forwarded to the graph store exactly
// once, at terminal status.
type ExecutionSnapshot struct {
	ExecutionID string     `json:"execution_id"`
	UserID      string     `json:"user_id"`
	Identity    Identity   `json:"identity"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	DurationMS  float64    `json:"duration_ms,omitempty"`
	CostInfo    CostInfo   `json:"cost_info"`
	Trace       *Trace     `json:"trace,omitempty"`
	Error       *ExecError `json:"error,omitempty"`
	Framework   string     `json:"framework,omitempty"`
}

// GraphStore persists execution snapshots for analytics. The core calls
// Record exactly once per execution; durability is entirely the store's
// concern.
type GraphStore interface {
	Record(ctx context.Context, snap ExecutionSnapshot) error
}

// AnonymousUser is the user id assigned to submissions that carry none.
const AnonymousUser = "anonymous"

// Submission is one request to execute a graph.
type Submission struct {
	Graph     Graph     `json:"graph"`
	Input     string    `json:"input"`
	Framework string    `json:"framework,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Identity  *Identity `json:"identity,omitempty"`
}

// ResolveUser returns the submission's user id, defaulting to anonymous.
func (s Submission) ResolveUser() string {
	if s.UserID == "" {
		return AnonymousUser
	}
	return s.UserID
}
