package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trellis-labs/trellis/core"
)

// DefaultComposioBaseURL is the production action-execution endpoint.
const DefaultComposioBaseURL = "https://backend.composio.dev/api/v2"

// Retry schedules for external tool calls. Rate limits back off longer
// than transient server faults.
var (
	rateLimitDelays   = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	serverErrorDelays = []time.Duration{500 * time.Millisecond, 1 * time.Second}
)

// ComposioClient executes third-party tool actions on behalf of a user,
// resolving the API key through the credential broker per call.
type ComposioClient struct {
	BaseURL  string
	client   HTTPClient
	broker   core.CredentialBroker
	observer ToolObserver
}

// NewComposioClient builds a client. broker may be nil; every execution
// then fails as not enabled.
func NewComposioClient(client HTTPClient, broker core.CredentialBroker) *ComposioClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &ComposioClient{BaseURL: DefaultComposioBaseURL, client: client, broker: broker}
}

// Execute runs one action. HTTP 429 retries up to three times with delays
// of 1 s, 2 s, 4 s; HTTP 5xx retries up to twice with 0.5 s and 1 s.
// Anything else surfaces immediately.
func (c *ComposioClient) Execute(ctx context.Context, userID, action string, node core.Node, input string) (string, error) {
	cred, err := c.resolveCredential(ctx, userID, action, node.ID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"action": action,
		"input":  input,
		"params": node.Data.Inputs,
	})
	if err != nil {
		return "", core.NewExecError(core.ErrorInternal, "marshal action payload: %v", err).WithNode(node.ID)
	}

	var rateLimited, serverErrs int
	for {
		body, status, err := c.post(ctx, cred.APIKey, action, payload)
		switch {
		case err != nil:
			return "", transportError(node.ID, 0, err.Error())
		case status >= 200 && status <= 299:
			return body, nil
		case status == http.StatusTooManyRequests && rateLimited < len(rateLimitDelays):
			c.observeRetry(action, node.ID, rateLimited+serverErrs+1, status)
			if err := sleepCtx(ctx, rateLimitDelays[rateLimited]); err != nil {
				return "", core.NewExecError(core.ErrorCancelled, "cancelled during retry backoff").WithNode(node.ID)
			}
			rateLimited++
		case status >= 500 && serverErrs < len(serverErrorDelays):
			c.observeRetry(action, node.ID, rateLimited+serverErrs+1, status)
			if err := sleepCtx(ctx, serverErrorDelays[serverErrs]); err != nil {
				return "", core.NewExecError(core.ErrorCancelled, "cancelled during retry backoff").WithNode(node.ID)
			}
			serverErrs++
		default:
			return "", transportError(node.ID, status, fmt.Sprintf("action %s failed with status %d", action, status))
		}
	}
}

func (c *ComposioClient) resolveCredential(ctx context.Context, userID, action, nodeID string) (*core.Credential, error) {
	if c.broker == nil {
		return nil, notEnabled(nodeID, action, "no credential broker configured")
	}
	cred, err := c.broker.Resolve(ctx, userID)
	if err != nil {
		return nil, core.NewExecError(core.ErrorInternal, "resolve credential: %v", err).WithNode(nodeID)
	}
	if cred == nil {
		return nil, notEnabled(nodeID, action, fmt.Sprintf("user %s has no credential", userID))
	}
	if !cred.Allows(action) {
		return nil, notEnabled(nodeID, action, fmt.Sprintf("action %s is not in the enabled set", action))
	}
	return cred, nil
}

func (c *ComposioClient) post(ctx context.Context, apiKey, action string, payload []byte) (string, int, error) {
	endpoint := fmt.Sprintf("%s/actions/%s/execute", c.BaseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func (c *ComposioClient) observeRetry(action, nodeID string, attempt, status int) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveRetry(RetryObservation{
		Action:  action,
		NodeID:  nodeID,
		Attempt: attempt,
		Status:  status,
	})
}

func notEnabled(nodeID, action, msg string) *core.ExecError {
	e := core.NewExecError(core.ErrorToolNotEnabled, "%s: %s", action, msg)
	return e.WithNode(nodeID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
