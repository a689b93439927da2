package engine

import (
	"context"
	"strings"
	"time"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
)

// inputIndicators are the phrases that, combined with a question mark, mark
// an agent output as a request for user input.
var inputIndicators = []string{
	"what would you like",
	"please provide",
	"tell me about",
	"what are your preferences",
	"what do you think",
	"how would you like",
	"what should",
	"what kind of",
	"which option",
	"please choose",
	"please select",
	"can you tell me",
	"what's your",
}

// DetectQuestion reports whether agent output is asking the user something,
// returning the first sentence that ends in a question mark.
func DetectQuestion(text string) (string, bool) {
	if !strings.Contains(text, "?") {
		return "", false
	}
	lower := strings.ToLower(text)
	matched := false
	for _, phrase := range inputIndicators {
		if strings.Contains(lower, phrase) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	return firstQuestion(text), true
}

// firstQuestion extracts the first sentence terminated by a question mark.
func firstQuestion(text string) string {
	end := strings.Index(text, "?")
	if end < 0 {
		return ""
	}
	start := 0
scan:
	for i := end - 1; i >= 0; i-- {
		switch text[i] {
		case '.', '!', '?', '\n':
			start = i + 1
			break scan
		}
	}
	return strings.TrimSpace(text[start : end+1])
}

// awaitInput parks the driver in waiting_for_input until ProvideInput fires
// or the execution is cancelled. The returned text replaces the agent's
// output in the flow.
func (e *Engine) awaitInput(ctx context.Context, exec *core.Execution, question, fullOutput string, state *runState) (string, error) {
	// Discard anything left over from an answer that arrived during a
	// cancellation race; only input accepted for this request counts.
	select {
	case <-state.input:
	default:
	}
	e.runMu.Lock()
	state.waiting = true
	e.runMu.Unlock()

	exec.Status = core.StatusWaitingForInput
	e.publishUpdate(exec)
	e.bus.Publish(bus.Message{
		Type:        bus.MessageInputRequest,
		ExecutionID: exec.ID,
		Question:    question,
		FullOutput:  fullOutput,
		Timestamp:   time.Now(),
	})

	select {
	case input := <-state.input:
		e.bus.Publish(bus.Message{
			Type:        bus.MessageInputReceived,
			ExecutionID: exec.ID,
			Input:       input,
		})
		exec.Status = core.StatusRunning
		e.publishUpdate(exec)
		return input, nil
	case <-ctx.Done():
		e.runMu.Lock()
		state.waiting = false
		e.runMu.Unlock()
		return "", ctx.Err()
	}
}
