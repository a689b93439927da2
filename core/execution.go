package core

import "time"

// Status is the lifecycle state of an execution. It moves only along
// running → waiting_for_input? → (completed | failed).
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether the status is final. Terminal records are
// immutable except for retention eviction.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NodeState is the per-node execution state tracked in Progress.
type NodeState string

const (
	NodeStatePending   NodeState = "pending"
	NodeStateRunning   NodeState = "running"
	NodeStateCompleted NodeState = "completed"
	NodeStateFailed    NodeState = "failed"
)

// NodeProgress is one entry of Progress.NodeStatus.
type NodeProgress struct {
	State NodeState `json:"state"`
	Name  string    `json:"name"`
	Kind  NodeKind  `json:"kind"`
}

// Progress is the live progress view of an execution. Percent is monotonic
// non-decreasing and tracks executable nodes only.
type Progress struct {
	Percent         float64                 `json:"percent"`
	CurrentActivity string                  `json:"current_activity"`
	CurrentStep     int                     `json:"current_step"`
	TotalSteps      int                     `json:"total_steps"`
	NodeStatus      map[string]NodeProgress `json:"node_status"`
}

// Clone returns an independent copy of the progress view.
func (p Progress) Clone() Progress {
	out := p
	if p.NodeStatus != nil {
		out.NodeStatus = make(map[string]NodeProgress, len(p.NodeStatus))
		for k, v := range p.NodeStatus {
			out.NodeStatus[k] = v
		}
	}
	return out
}

// Execution is one driven run of a graph for a given input. The engine is
// the only writer; everything else observes snapshot copies.
type Execution struct {
	ID          string     `json:"execution_id"`
	UserID      string     `json:"user_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Input       string     `json:"input"`
	Graph       Graph      `json:"graph"`
	Identity    Identity   `json:"identity"`
	Result      string     `json:"result,omitempty"`
	Error       *ExecError `json:"error,omitempty"`
	Progress    Progress   `json:"progress"`
	Trace       *Trace     `json:"trace,omitempty"`
	Framework   string     `json:"framework,omitempty"`
}

// Clone returns a snapshot copy safe to hand to observers while the engine
// keeps mutating the original.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Progress = e.Progress.Clone()
	out.Graph = e.Graph.Clone()
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	if e.Trace != nil {
		out.Trace = e.Trace.Clone()
	}
	return &out
}

// Snapshot reduces the execution to the shape the graph store records.
func (e *Execution) Snapshot() ExecutionSnapshot {
	snap := ExecutionSnapshot{
		ExecutionID: e.ID,
		UserID:      e.UserID,
		Identity:    e.Identity,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		Framework:   e.Framework,
		Error:       e.Error,
		Trace:       e.Trace,
	}
	if e.CompletedAt != nil {
		snap.CompletedAt = *e.CompletedAt
		snap.DurationMS = float64(e.CompletedAt.Sub(e.CreatedAt).Microseconds()) / 1000.0
	}
	if e.Trace != nil {
		snap.CostInfo = e.Trace.CostInfo
	}
	return snap
}
