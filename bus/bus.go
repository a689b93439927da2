// Package bus distributes execution progress to subscribers. Delivery is
// per-execution and ordered; a slow subscriber loses its oldest buffered
// messages rather than stalling the engine.
package bus

import (
	"time"

	"github.com/trellis-labs/trellis/core"
)

// MessageType discriminates the message shapes on the bus.
type MessageType string

const (
	// MessageExecutionUpdate carries status and progress changes.
	MessageExecutionUpdate MessageType = "execution_update"

	// MessageInputRequest announces that the execution is waiting on the
	// user.
	MessageInputRequest MessageType = "input_request"

	// MessageInputReceived announces that user input arrived and the
	// execution resumed.
	MessageInputReceived MessageType = "input_received"
)

// Message is one bus event. Fields beyond Type and ExecutionID are
// populated per message shape.
type Message struct {
	Type        MessageType `json:"type"`
	ExecutionID string      `json:"execution_id"`
	Seq         uint64      `json:"seq"`

	// execution_update fields.
	Status   core.Status     `json:"status,omitempty"`
	Progress *core.Progress  `json:"progress,omitempty"`
	Result   string          `json:"result,omitempty"`
	Error    *core.ExecError `json:"error,omitempty"`
	Identity *core.Identity  `json:"identity,omitempty"`

	// input_request fields.
	Question   string    `json:"question,omitempty"`
	FullOutput string    `json:"full_output,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`

	// input_received fields.
	Input string `json:"input,omitempty"`
}

// Publisher is the engine-facing half of the bus.
type Publisher interface {
	Publish(msg Message)
}

// Subscription receives messages for one execution.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Observer is called synchronously with every published message, regardless
// of execution id. Implementations must not block.
type Observer interface {
	Observe(msg Message)
}
