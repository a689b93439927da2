// Package engine drives workflow executions end to end: validation,
// identity resolution, planning, node dispatch, progress publication,
// retention, and the user-input gate. Each execution is mutated by exactly
// one goroutine; every other component observes snapshot copies.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/core"
	"github.com/trellis-labs/trellis/identity"
	"github.com/trellis-labs/trellis/nodes"
	"github.com/trellis-labs/trellis/retention"
	"github.com/trellis-labs/trellis/telemetry"
	"github.com/trellis-labs/trellis/validate"
)

// IdentityCacheTTL is how long a derived identity is reused for graphs with
// the same structure hash.
const IdentityCacheTTL = 30 * time.Second

// Config wires an Engine. Bus and Store are created when nil; Invoker is
// required for graphs containing agent nodes.
type Config struct {
	Invoker    core.AgentInvoker
	Broker     core.CredentialBroker
	GraphStore core.GraphStore
	Pricing    telemetry.Pricing
	HTTPClient nodes.HTTPClient
	Bus        *bus.MemBus
	Store      *retention.Store
	Logger     *slog.Logger

	// Retention bounds applied when Store is nil. Zero values take the
	// retention package defaults.
	RetentionMaxPerUser int
	RetentionTTL        time.Duration
}

// Engine executes submitted graphs.
type Engine struct {
	invoker    core.AgentInvoker
	graphStore core.GraphStore
	pricing    telemetry.Pricing
	logger     *slog.Logger

	validator *validate.Validator
	handlers  *nodes.Registry
	tools     *nodes.ToolRegistry
	bus       *bus.MemBus
	store     *retention.Store

	idMu   sync.Mutex
	lastMS int64

	identMu    sync.Mutex
	identCache map[string]identEntry
	identNow   func() time.Time

	runMu   sync.Mutex
	running map[string]*runState

	wg sync.WaitGroup
}

type identEntry struct {
	id core.Identity
	at time.Time
}

// runState tracks a live execution's control channels. It disappears when
// the execution reaches terminal status. waiting is guarded by the engine's
// runMu and is true only while the driver is parked in awaitInput.
type runState struct {
	cancel  context.CancelFunc
	input   chan string
	waiting bool
}

// New builds an engine from the config.
func New(cfg Config) *Engine {
	e := &Engine{
		invoker:    cfg.Invoker,
		graphStore: cfg.GraphStore,
		pricing:    cfg.Pricing,
		logger:     cfg.Logger,
		validator:  validate.NewValidator(),
		handlers:   nodes.NewRegistry(),
		tools:      nodes.NewToolRegistry(cfg.HTTPClient, cfg.Broker),
		bus:        cfg.Bus,
		store:      cfg.Store,
		identCache: make(map[string]identEntry),
		identNow:   time.Now,
		running:    make(map[string]*runState),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.pricing == nil {
		e.pricing = telemetry.DefaultPricing()
	}
	if e.bus == nil {
		e.bus = bus.NewMemBus(bus.MemBusConfig{})
	}
	if e.store == nil {
		e.store = retention.NewStore(retention.Config{
			MaxPerUser: cfg.RetentionMaxPerUser,
			TTL:        cfg.RetentionTTL,
			OnEvict:    e.onEvict,
		})
	}
	return e
}

// Bus exposes the progress bus for transports that stream updates.
func (e *Engine) Bus() *bus.MemBus { return e.bus }

// SetToolObserver installs a telemetry sink on the tool registry.
func (e *Engine) SetToolObserver(obs nodes.ToolObserver) { e.tools.SetObserver(obs) }

// Submit starts an execution asynchronously and returns its id. The ctx
// bounds submission only; the execution itself runs on a background context
// cancelled through Cancel.
func (e *Engine) Submit(_ context.Context, sub core.Submission) (string, error) {
	execID := e.nextExecutionID(sub.ResolveUser())

	runCtx, cancel := context.WithCancel(context.Background())
	state := &runState{cancel: cancel, input: make(chan string, 1)}
	e.runMu.Lock()
	e.running[execID] = state
	e.runMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(runCtx, execID, sub, state)
	}()
	return execID, nil
}

// Get returns a snapshot of an execution record.
func (e *Engine) Get(executionID string) (*core.Execution, bool) {
	return e.store.Get(executionID)
}

// List returns a user's retained executions, newest first.
func (e *Engine) List(userID string) []*core.Execution {
	return e.store.ListByUser(userID)
}

// Subscribe attaches to an execution's progress stream. The returned
// snapshot is the record at attach time; the subscription carries
// everything published afterwards.
func (e *Engine) Subscribe(executionID string) (*core.Execution, bus.Subscription, bool) {
	snap, ok := e.store.Get(executionID)
	if !ok {
		return nil, nil, false
	}
	return snap, e.bus.Subscribe(executionID), true
}

// ProvideInput resumes an execution parked in waiting_for_input. Calling it
// while the execution is running but not parked, or a second time for the
// same request, returns a stable not-waiting error and leaves the flow
// untouched.
func (e *Engine) ProvideInput(executionID, input string) error {
	e.runMu.Lock()
	state, ok := e.running[executionID]
	if !ok {
		e.runMu.Unlock()
		return fmt.Errorf("execution %s is not running", executionID)
	}
	if !state.waiting {
		e.runMu.Unlock()
		return fmt.Errorf("execution %s is not waiting for input", executionID)
	}
	state.waiting = false
	e.runMu.Unlock()

	select {
	case state.input <- input:
		return nil
	default:
		return fmt.Errorf("execution %s is not waiting for input", executionID)
	}
}

// Cancel stops a running execution at its next yield point.
func (e *Engine) Cancel(executionID string) error {
	e.runMu.Lock()
	state, ok := e.running[executionID]
	e.runMu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s is not running", executionID)
	}
	state.cancel()
	return nil
}

// Shutdown waits for in-flight executions to finish.
func (e *Engine) Shutdown() {
	e.runMu.Lock()
	for _, state := range e.running {
		state.cancel()
	}
	e.runMu.Unlock()
	e.wg.Wait()
	e.bus.Close()
}

// nextExecutionID allocates "exec_{user}_{ms}" with a strictly increasing
// millisecond component, so ids stay unique under bursts.
func (e *Engine) nextExecutionID(userID string) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	ms := time.Now().UnixMilli()
	if ms <= e.lastMS {
		ms = e.lastMS + 1
	}
	e.lastMS = ms
	return fmt.Sprintf("exec_%s_%d", userID, ms)
}

// resolveIdentity uses the submission's identity when present, otherwise
// derives one, reusing a cached derivation for identical structures.
func (e *Engine) resolveIdentity(g core.Graph, provided *core.Identity) core.Identity {
	hash := identity.StructureHash(g)
	if provided != nil {
		id := *provided
		if id.StructureHash == "" {
			id.StructureHash = hash
		}
		return id
	}

	e.identMu.Lock()
	defer e.identMu.Unlock()
	if entry, ok := e.identCache[hash]; ok && e.identNow().Sub(entry.at) < IdentityCacheTTL {
		return entry.id
	}
	id := identity.Derive(g)
	e.identCache[hash] = identEntry{id: id, at: e.identNow()}
	return id
}

// onEvict runs when retention drops a record: subscribers close and any
// parked driver is cancelled.
func (e *Engine) onEvict(executionID string) {
	e.bus.DropExecution(executionID)
	e.runMu.Lock()
	state, ok := e.running[executionID]
	e.runMu.Unlock()
	if ok {
		state.cancel()
	}
}

// forget drops the run state once an execution is terminal.
func (e *Engine) forget(executionID string) {
	e.runMu.Lock()
	delete(e.running, executionID)
	e.runMu.Unlock()
}
