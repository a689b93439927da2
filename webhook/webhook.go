// Package webhook exposes stored graphs as callable endpoints. A registered
// graph gets a random id; triggering it drives a normal execution with the
// request body as input and blocks until the run settles.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-labs/trellis/core"
)

// PollInterval is how often a trigger call re-checks the execution while it
// is still running or waiting for input.
const PollInterval = 500 * time.Millisecond

// Runner is the engine surface the registry drives.
type Runner interface {
	Submit(ctx context.Context, sub core.Submission) (string, error)
	Get(executionID string) (*core.Execution, bool)
}

// Registration is the result of storing a graph.
type Registration struct {
	WebhookID string `json:"webhook_id"`
	URL       string `json:"url"`
}

// Registry stores frozen graphs keyed by webhook id.
type Registry struct {
	runner  Runner
	baseURL string

	mu    sync.RWMutex
	hooks map[string]hookEntry
}

type hookEntry struct {
	graph     core.Graph
	userID    string
	framework string
}

// NewRegistry builds a registry. baseURL prefixes the minted urls, e.g.
// "https://host/hooks".
func NewRegistry(runner Runner, baseURL string) *Registry {
	return &Registry{
		runner:  runner,
		baseURL: baseURL,
		hooks:   make(map[string]hookEntry),
	}
}

// Register freezes the graph under a fresh random id.
func (r *Registry) Register(graph core.Graph, userID, framework string) Registration {
	id := uuid.NewString()
	r.mu.Lock()
	r.hooks[id] = hookEntry{graph: graph.Clone(), userID: userID, framework: framework}
	r.mu.Unlock()
	return Registration{
		WebhookID: id,
		URL:       fmt.Sprintf("%s/%s", r.baseURL, id),
	}
}

// Remove deletes a registration. Removing an unknown id is a no-op.
func (r *Registry) Remove(webhookID string) {
	r.mu.Lock()
	delete(r.hooks, webhookID)
	r.mu.Unlock()
}

// Lookup returns the stored graph for an id.
func (r *Registry) Lookup(webhookID string) (core.Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.hooks[webhookID]
	if !ok {
		return core.Graph{}, false
	}
	return entry.graph.Clone(), true
}

// List returns the registered webhook ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.hooks))
	for id := range r.hooks {
		ids = append(ids, id)
	}
	return ids
}

// Trigger executes the webhook's graph with the body as input and waits for
// terminal status, polling cooperatively. The ctx bounds the wait.
func (r *Registry) Trigger(ctx context.Context, webhookID string, body any) (*core.Execution, error) {
	r.mu.RLock()
	entry, ok := r.hooks[webhookID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("webhook %s is not registered", webhookID)
	}

	input, err := CanonicalInput(body)
	if err != nil {
		return nil, err
	}

	execID, err := r.runner.Submit(ctx, core.Submission{
		Graph:     entry.graph,
		Input:     input,
		UserID:    entry.userID,
		Framework: entry.framework,
	})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		if exec, ok := r.runner.Get(execID); ok && exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CanonicalInput renders a trigger body as the execution input. Raw strings
// pass through; anything else becomes canonical JSON.
func CanonicalInput(body any) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode webhook body: %w", err)
		}
		return string(out), nil
	}
}
