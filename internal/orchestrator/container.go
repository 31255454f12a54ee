// Package orchestrator coordinates the task manager, workflow engine,
// circuit breaker, complexity router, and bounded priority queue into a
// single execute-with-failover pipeline, and aggregates their health.
//
// All components are built once into a Container and passed by handle; there
// are no ambient singletons.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/embermill/conductor/internal/breaker"
	"github.com/embermill/conductor/internal/cache"
	"github.com/embermill/conductor/internal/config"
	"github.com/embermill/conductor/internal/logbook"
	"github.com/embermill/conductor/internal/power"
	"github.com/embermill/conductor/internal/queue"
	"github.com/embermill/conductor/internal/router"
	"github.com/embermill/conductor/internal/task"
	"github.com/embermill/conductor/internal/telemetry"
	"github.com/embermill/conductor/internal/workflow"
)

// Container holds every component of the orchestration core, wired from one
// Options value.
type Container struct {
	Options   config.Options
	Log       *logbook.Logbook
	Monitor   *power.Monitor
	Cache     *cache.Cache
	Telemetry *telemetry.Sink
	Breaker   *breaker.Breaker
	Scorers   *router.Registry
	Router    *router.Router
	Queue     *queue.Queue
	Tasks     *task.Manager
	Workflows *workflow.Engine

	cancel context.CancelFunc
}

// ContainerOption customizes container construction.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	log     *logbook.Logbook
	probe   power.Probe
	scorer  router.Scorer
	sinkOps []telemetry.Option
}

// WithLogbook attaches a logbook shared by every component.
func WithLogbook(log *logbook.Logbook) ContainerOption {
	return func(c *containerConfig) { c.log = log }
}

// WithProbe overrides the resource monitor's sampling source. The default is
// the gopsutil-backed host probe.
func WithProbe(p power.Probe) ContainerOption {
	return func(c *containerConfig) { c.probe = p }
}

// WithScorer overrides the router's complexity scorer. The default is the
// deterministic heuristic scorer.
func WithScorer(s router.Scorer) ContainerOption {
	return func(c *containerConfig) { c.scorer = s }
}

// WithTelemetryOptions forwards extra options (such as a Prometheus
// registry) to the telemetry sink.
func WithTelemetryOptions(opts ...telemetry.Option) ContainerOption {
	return func(c *containerConfig) { c.sinkOps = append(c.sinkOps, opts...) }
}

// NewContainer validates the options and wires the full component graph.
func NewContainer(opts config.Options, containerOpts ...ContainerOption) (*Container, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := containerConfig{probe: power.HostProbe{}}
	for _, opt := range containerOpts {
		opt(&cfg)
	}

	monitor := power.NewMonitor(
		power.WithProbe(cfg.probe),
		power.WithInterval(opts.MonitorInterval.Std()),
		power.WithLogbook(cfg.log),
	)

	var sink *telemetry.Sink
	if opts.TelemetryOn() {
		sink = telemetry.New(opts.TelemetryMaxEvents, cfg.sinkOps...)
	} else {
		sink = telemetry.Disabled()
	}

	scorers := router.NewRegistry()
	if err := scorers.Register("heuristic", router.HeuristicScorer{}); err != nil {
		return nil, err
	}
	plugins, err := router.LoadPluginDir(opts.ScorerPluginDir)
	if err != nil {
		return nil, err
	}
	for _, plugin := range plugins {
		if err := scorers.Register(plugin.ID, plugin); err != nil {
			return nil, err
		}
	}
	scorer := cfg.scorer
	if scorer == nil {
		scorer = router.HeuristicScorer{}
		if len(plugins) > 0 {
			scorer = plugins[0]
		}
	}
	route, err := router.New(scorer, opts.ComplexityThreshold, opts.RoutingPolicy, monitor, sink)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(monitor,
		queue.WithMaxPending(opts.QueueMaxPending),
		queue.WithLogbook(cfg.log),
	)
	if err != nil {
		return nil, err
	}

	manager := task.NewManager(task.WithLogbook(cfg.log))

	brk := breaker.New(opts.FailureThreshold, opts.BreakerTimeout.Std(),
		breaker.WithBackoffBase(opts.RetryBackoffBase.Std()))
	c := &Container{
		Options:   opts,
		Log:       cfg.log,
		Monitor:   monitor,
		Cache:     cache.New(opts.CacheMaxEntries, opts.CacheDefaultTTL.Std()),
		Telemetry: sink,
		Breaker:   brk,
		Scorers:   scorers,
		Router:    route,
		Queue:     q,
		Tasks:     manager,
	}
	engine, err := workflow.NewEngine(manager,
		workflow.WithQueue(q),
		workflow.WithLogbook(cfg.log),
	)
	if err != nil {
		return nil, err
	}
	c.Workflows = engine
	return c, nil
}

// Start launches the monitor and queue. It returns once both are running.
func (c *Container) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	if err := c.Queue.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start queue: %w", err)
	}
	go c.Monitor.Run(runCtx)
	c.Log.Info("orchestrator: container started")
	return nil
}

// Stop shuts the queue down and stops background refresh.
func (c *Container) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.Queue.Stop()
	c.Log.Info("orchestrator: container stopped")
}
