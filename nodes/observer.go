package nodes

// ToolObservation summarizes one tool dispatch for telemetry sinks.
type ToolObservation struct {
	Tool       string
	NodeID     string
	DurationMS float64
	StatusCode int
	Success    bool
	ErrorKind  string
}

// RetryObservation records one backoff attempt against an external tool.
type RetryObservation struct {
	Action  string
	NodeID  string
	Attempt int
	Status  int
}

// ToolObserver receives dispatch and retry signals. Implementations must be
// safe for concurrent use.
type ToolObserver interface {
	ObserveDispatch(ToolObservation)
	ObserveRetry(RetryObservation)
}
