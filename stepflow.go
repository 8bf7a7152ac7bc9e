// Package stepflow runs tool plans: a planner turns a query into ordered steps,
// the executor runs those steps in dependency waves, and a solver turns the
// step results into an answer.
package stepflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
)

// SchemaSource lists the tool schemas offered to the planner.
type SchemaSource interface {
	Schemas() map[string]map[string]any
}

// Runtime is the main entry point into stepflow. It wires a planner, an
// executor and a solver into the query state machine.
type Runtime struct {
	planner  Planner
	executor Executor
	solver   Solver
	schemas  SchemaSource
	eventBus eventbus.EventBus
	ownsBus  bool

	config Config
	logger *slog.Logger

	asyncMu sync.RWMutex
	async   map[string]*asyncExecution
}

// Config holds the configuration options for the Runtime.
type Config struct {
	// ProcessTimeout bounds a whole query. Zero means no bound.
	ProcessTimeout time.Duration

	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProcessTimeout:      5 * time.Minute,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
	}
}

// Option is a function that configures a Runtime.
type Option func(*Runtime)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(r *Runtime) {
		r.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(r *Runtime) {
		r.planner = planner
	}
}

// WithExecutor sets the executor component.
func WithExecutor(executor Executor) Option {
	return func(r *Runtime) {
		r.executor = executor
	}
}

// WithSolver sets the solver component.
func WithSolver(solver Solver) Option {
	return func(r *Runtime) {
		r.solver = solver
	}
}

// WithToolSchemas sets where the planner's tool schemas come from.
func WithToolSchemas(schemas SchemaSource) Option {
	return func(r *Runtime) {
		r.schemas = schemas
	}
}

// WithEventBus sets the event bus. A bus supplied here is not closed by Close.
func WithEventBus(eb eventbus.EventBus) Option {
	return func(r *Runtime) {
		r.eventBus = eb
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// New creates a Runtime. An executor is always required; the planner and
// solver are only needed by Process and ProcessAsync.
func New(options ...Option) (*Runtime, error) {
	r := &Runtime{
		config: DefaultConfig(),
		async:  make(map[string]*asyncExecution),
	}
	for _, option := range options {
		option(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "runtime")

	if r.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}

	if r.config.EnableEventBus && r.eventBus == nil {
		r.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(r.config.EventBusBufferSize),
			eventbus.WithWorkerCount(r.config.EventBusWorkerCount),
			eventbus.WithLogger(r.logger),
		)
		r.ownsBus = true
		r.logger.Debug("initialized default channel event bus")
	}

	return r, nil
}

// EventBus returns the bus events are published to, or nil.
func (r *Runtime) EventBus() eventbus.EventBus {
	if !r.config.EnableEventBus {
		return nil
	}
	return r.eventBus
}

// Close stops the event bus if the runtime created it.
func (r *Runtime) Close() error {
	if r.ownsBus && r.eventBus != nil {
		return r.eventBus.Close()
	}
	return nil
}

// publisher returns the bus as a Publisher, or nil when events are disabled.
// The nil check keeps a nil EventBus from turning into a non-nil interface.
func (r *Runtime) publisher() eventbus.Publisher {
	if eb := r.EventBus(); eb != nil {
		return eb
	}
	return nil
}

// ToolSchemas returns the schemas offered to the planner.
func (r *Runtime) ToolSchemas() map[string]map[string]any {
	if r.schemas == nil {
		return map[string]map[string]any{}
	}
	return r.schemas.Schemas()
}

// ExecutePlan runs an already-built plan through the executor.
func (r *Runtime) ExecutePlan(ctx context.Context, plan *Plan) ([]StepResult, error) {
	return r.executor.Execute(ctx, plan)
}

// Process runs query through planning, execution and synthesis.
func (r *Runtime) Process(ctx context.Context, query string) (string, error) {
	pCtx, err := r.process(ctx, query)
	if err != nil {
		return "", err
	}
	return pCtx.Snapshot().FinalAnswer, nil
}

// ProcessWithContext is Process but also returns the ProcessContext so callers
// can inspect the plan and step results.
func (r *Runtime) ProcessWithContext(ctx context.Context, query string) (*ProcessContext, error) {
	return r.process(ctx, query)
}

func (r *Runtime) process(ctx context.Context, query string) (*ProcessContext, error) {
	if err := r.checkQueryComponents(); err != nil {
		return nil, err
	}
	if r.config.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ProcessTimeout)
		defer cancel()
	}
	pCtx := NewProcessContext(query)
	_, err := r.stateMachine().Execute(ctx, pCtx)
	return pCtx, err
}

func (r *Runtime) checkQueryComponents() error {
	if r.planner == nil {
		return NewConfigurationError("planner is required", nil)
	}
	if r.solver == nil {
		return NewConfigurationError("solver is required", nil)
	}
	return nil
}

func (r *Runtime) stateMachine() *StateMachine {
	return newProcessStateMachine(components{
		planner:  r.planner,
		executor: r.executor,
		solver:   r.solver,
		schemas:  r.ToolSchemas,
		logger:   r.logger,
	}, r.publisher())
}
