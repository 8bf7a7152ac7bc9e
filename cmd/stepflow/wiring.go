package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ZanzyTHEbar/stepflow"
	"github.com/ZanzyTHEbar/stepflow/internal/adapters"
	"github.com/ZanzyTHEbar/stepflow/internal/breaker"
	"github.com/ZanzyTHEbar/stepflow/internal/cache"
	"github.com/ZanzyTHEbar/stepflow/internal/config"
	"github.com/ZanzyTHEbar/stepflow/internal/eventbus"
	"github.com/ZanzyTHEbar/stepflow/internal/executor"
	"github.com/ZanzyTHEbar/stepflow/internal/tools"
)

// components is everything a command needs to run plans. Close releases
// the event bus and plan cache.
type components struct {
	registry *adapters.ToolRegistry
	invoker  stepflow.ToolInvoker
	executor *executor.PlanExecutor
	bus      *eventbus.ChannelEventBus
	closers  []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// publisher returns the bus, or a nil interface when events are disabled.
func (c *components) publisher() eventbus.Publisher {
	if c.bus == nil {
		return nil
	}
	return c.bus
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{
		registry: adapters.NewToolRegistry(logger, tools.SetupTools(tools.DemoDataset(), logger)...),
	}
	c.invoker = c.registry

	if cfg.EventBus.Enabled {
		c.bus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBus.BufferSize),
			eventbus.WithWorkerCount(cfg.EventBus.WorkerCount),
			eventbus.WithLogger(logger),
		)
		if _, err := c.bus.SubscribeAll(logEvents(logger)); err != nil {
			_ = c.bus.Close()
			return nil, err
		}
		c.closers = append(c.closers, func() {
			_ = c.bus.Close()
			s := c.bus.Stats()
			logger.Debug("event bus closed", "published", s.Published, "delivered", s.Delivered,
				"failed", s.Failed, "dropped", s.Dropped)
		})
	}

	if cfg.HTTP.BaseURL != "" {
		opts := []adapters.HTTPOption{
			adapters.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout}),
			adapters.WithHTTPLogger(logger),
		}
		if cfg.HTTP.RateLimit > 0 {
			opts = append(opts, adapters.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst))
		}
		for k, v := range cfg.HTTP.Headers {
			opts = append(opts, adapters.WithHeader(k, v))
		}
		remote, err := adapters.NewHTTPInvoker(cfg.HTTP.BaseURL, opts...)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.invoker = remote
	}

	scope, template := cfg.BreakerTemplate()
	template.Logger = logger
	if pub := c.publisher(); pub != nil {
		template.OnStateChange = breaker.PublishTransitions(pub)
	}

	c.executor = executor.NewExecutor(c.invoker,
		executor.WithMaxConcurrency(cfg.Executor.MaxConcurrency),
		executor.WithStepTimeout(cfg.Executor.StepTimeout),
		executor.WithBreakers(breaker.NewRegistry(scope, template)),
		executor.WithLogger(logger),
		executor.WithEventBus(c.publisher()),
	)
	return c, nil
}

// runtime builds a Runtime over the components. planner and solver may be nil
// for commands that only execute plan files.
func (c *components) runtime(cfg *config.Config, logger *slog.Logger, planner stepflow.Planner, solver stepflow.Solver) (*stepflow.Runtime, error) {
	opts := []stepflow.Option{
		stepflow.WithExecutor(c.executor),
		stepflow.WithToolSchemas(c.registry),
		stepflow.WithLogger(logger),
		stepflow.WithConfig(stepflow.Config{
			ProcessTimeout: cfg.Executor.ProcessTimeout,
			EnableEventBus: c.bus != nil,
		}),
	}
	if c.bus != nil {
		opts = append(opts, stepflow.WithEventBus(c.bus))
	}
	if planner != nil {
		opts = append(opts, stepflow.WithPlanner(planner))
	}
	if solver != nil {
		opts = append(opts, stepflow.WithSolver(solver))
	}
	return stepflow.New(opts...)
}

// planCache builds the plan cache selected by cfg, or nil for "none".
func (c *components) planCache(cfg *config.Config, logger *slog.Logger) (cache.Store[*stepflow.Plan], error) {
	pc := cfg.Planner.Cache
	switch pc.Backend {
	case "file":
		return cache.NewFileCache[*stepflow.Plan](pc.TTL, pc.Path, cache.WithLogger(logger))
	case "memory":
		mem := cache.NewMemoryCache[*stepflow.Plan](pc.TTL, cache.WithLogger(logger))
		c.closers = append(c.closers, mem.Close)
		return mem, nil
	default:
		return nil, nil
	}
}

func logEvents(logger *slog.Logger) eventbus.EventHandler {
	return func(_ context.Context, e eventbus.Event) error {
		logger.Debug("event", "type", e.Type(), "id", e.ID(), "source", e.Source(), "metadata", e.Metadata())
		return nil
	}
}
