package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
)

func TestDetectQuestion(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		want     string
		detected bool
	}{
		{
			name:     "indicator with question mark",
			text:     "I can plan that trip. What would you like to eat on the way?",
			want:     "What would you like to eat on the way?",
			detected: true,
		},
		{
			name:     "question mark without indicator",
			text:     "Is the sky blue? Yes.",
			detected: false,
		},
		{
			name:     "indicator without question mark",
			text:     "Please provide the missing fields below.",
			detected: false,
		},
		{
			name:     "indicator case-insensitive",
			text:     "WHICH OPTION suits you best?",
			want:     "WHICH OPTION suits you best?",
			detected: true,
		},
		{
			name:     "first question extracted",
			text:     "Please choose a color? Also, what size?",
			want:     "Please choose a color?",
			detected: true,
		},
		{
			name:     "apostrophe indicator",
			text:     "Thanks! What's your budget for this?",
			want:     "What's your budget for this?",
			detected: true,
		},
		{
			name:     "plain statement",
			text:     "The weather in Berlin is sunny.",
			detected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectQuestion(tt.text)
			if ok != tt.detected {
				t.Fatalf("detected = %v, want %v", ok, tt.detected)
			}
			if ok && got != tt.want {
				t.Errorf("question = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_InputGateRoundTrip(t *testing.T) {
	asking := funcInvoker{fn: func(_ context.Context, _ core.AgentSpec, _ []core.ToolBinding, prompt string) (*core.InvokeResult, error) {
		if strings.Contains(prompt, "pizza") {
			return &core.InvokeResult{FinalOutput: "Enjoy your pizza."}, nil
		}
		return &core.InvokeResult{FinalOutput: "Sure. What would you like to eat tonight?"}, nil
	}}

	e := New(Config{Invoker: asking})
	defer e.Shutdown()

	g := core.Graph{
		Nodes: []core.Node{
			{ID: "in", Kind: core.NodeKindInput},
			{ID: "agent", Kind: core.NodeKindAgent, Data: core.NodeData{Name: "Waiter", Instructions: "serve", ModelID: "gpt-4o"}},
			{ID: "out", Kind: core.NodeKindOutput},
		},
		Edges: []core.Edge{
			{ID: "e1", Source: "in", Target: "agent"},
			{ID: "e2", Source: "agent", Target: "out"},
		},
	}

	execID, _ := e.Submit(context.Background(), core.Submission{Graph: g, Input: "dinner"})

	// Wait until the gate parks the execution.
	deadline := time.After(5 * time.Second)
	for {
		exec, ok := e.Get(execID)
		if ok && exec.Status == core.StatusWaitingForInput {
			break
		}
		select {
		case <-deadline:
			t.Fatal("execution never reached waiting_for_input")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, sub, ok := e.Subscribe(execID)
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer sub.Close()

	if err := e.ProvideInput(execID, "pizza please"); err != nil {
		t.Fatal(err)
	}
	// The gate accepts exactly one answer per request.
	if err := e.ProvideInput(execID, "more pizza"); err == nil {
		t.Error("second answer must be rejected")
	}

	sawReceived := false
	timeout := time.After(5 * time.Second)
	for !sawReceived {
		select {
		case msg := <-sub.Messages():
			if msg.Type == bus.MessageInputReceived && msg.Input == "pizza please" {
				sawReceived = true
			}
		case <-timeout:
			t.Fatal("input_received never published")
		}
	}

	exec := waitTerminal(t, e, execID)
	if exec.Status != core.StatusCompleted {
		t.Fatalf("status = %v, error = %+v", exec.Status, exec.Error)
	}
	// The spliced input flows through as the agent's output.
	if exec.Result != "pizza please" {
		t.Errorf("result = %q, want spliced input", exec.Result)
	}
}

func TestEngine_ProvideInputWhileRunning(t *testing.T) {
	release := make(chan struct{})
	slow := funcInvoker{fn: func(ctx context.Context, _ core.AgentSpec, _ []core.ToolBinding, _ string) (*core.InvokeResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &core.InvokeResult{FinalOutput: "done"}, nil
	}}

	e := New(Config{Invoker: slow})
	defer e.Shutdown()

	execID, _ := e.Submit(context.Background(), core.Submission{Graph: linearGraph(), Input: "x"})

	deadline := time.After(5 * time.Second)
	for {
		if exec, ok := e.Get(execID); ok && exec.Status == core.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("execution never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// No input request is outstanding, so an answer has nowhere to go.
	err := e.ProvideInput(execID, "premature")
	if err == nil || !strings.Contains(err.Error(), "not waiting") {
		t.Fatalf("err = %v, want a not-waiting rejection", err)
	}

	close(release)
	exec := waitTerminal(t, e, execID)
	if exec.Status != core.StatusCompleted {
		t.Fatalf("status = %v, error = %+v", exec.Status, exec.Error)
	}
	if exec.Result != "done" {
		t.Errorf("result = %q, rejected input must not reach the flow", exec.Result)
	}
}

func TestEngine_ProvideInputWhenNotWaiting(t *testing.T) {
	e := New(Config{Invoker: echoInvoker("")})
	defer e.Shutdown()

	if err := e.ProvideInput("exec_nobody_1", "hi"); err == nil {
		t.Error("expected error for unknown execution")
	}
}
