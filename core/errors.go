package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a terminal execution error. The set is closed;
// anything the engine cannot classify is ErrorInternal.
type ErrorKind string

const (
	// ErrorValidation marks a malformed graph. Never retried.
	ErrorValidation ErrorKind = "validation"

	// ErrorNoMatchingBranch marks a conditional with no rule true and no
	// default branch.
	ErrorNoMatchingBranch ErrorKind = "no_matching_branch"

	// ErrorHandlerFailure wraps a fault from a node handler.
	ErrorHandlerFailure ErrorKind = "handler_failure"

	// ErrorToolTransport marks an external HTTP failure after retries
	// were exhausted.
	ErrorToolTransport ErrorKind = "tool_transport"

	// ErrorToolNotEnabled marks a tool blocked by the credential whitelist.
	ErrorToolNotEnabled ErrorKind = "tool_not_enabled"

	// ErrorCancelled marks an explicit cancellation.
	ErrorCancelled ErrorKind = "cancelled"

	// ErrorInternal marks bug-class faults from the engine itself.
	ErrorInternal ErrorKind = "internal"
)

// ExecError is the classified error recorded on a failed execution and
// carried on its terminal event.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	NodeID  string    `json:"node_id,omitempty"`

	// StatusCode holds the last HTTP status for tool_transport errors.
	StatusCode int `json:"status_code,omitempty"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewExecError builds a classified error.
func NewExecError(kind ErrorKind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithNode returns a copy of the error annotated with the failing node id.
func (e *ExecError) WithNode(nodeID string) *ExecError {
	out := *e
	out.NodeID = nodeID
	return &out
}

// ClassifyError maps an arbitrary error to an ExecError. Errors that are
// already classified pass through; everything else becomes a handler
// failure attributed to the given node.
func ClassifyError(err error, nodeID string) *ExecError {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		if execErr.NodeID == "" && nodeID != "" {
			return execErr.WithNode(nodeID)
		}
		return execErr
	}
	return &ExecError{
		Kind:    ErrorHandlerFailure,
		Message: err.Error(),
		NodeID:  nodeID,
	}
}
