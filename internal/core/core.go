// Package core constructs and owns the long-lived components: store,
// queue, bus, registry, runner, evaluation engine, fixer, closed-loop
// controller, and self-repair scheduler. Everything is wired explicitly
// here and passed by reference; nothing reaches for globals.
package core

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coilworks/coil/internal/agent"
	"github.com/coilworks/coil/internal/autofix"
	"github.com/coilworks/coil/internal/bus"
	"github.com/coilworks/coil/internal/cache"
	"github.com/coilworks/coil/internal/enrich"
	"github.com/coilworks/coil/internal/evaluation"
	"github.com/coilworks/coil/internal/llm"
	"github.com/coilworks/coil/internal/loop"
	"github.com/coilworks/coil/internal/metrics"
	"github.com/coilworks/coil/internal/queue"
	"github.com/coilworks/coil/internal/repair"
	"github.com/coilworks/coil/internal/runner"
	"github.com/coilworks/coil/internal/store"
	"github.com/coilworks/coil/internal/telemetry"
	"github.com/coilworks/coil/pkg/config"
)

// Core holds the wired components for one process.
type Core struct {
	Config   *config.Config
	Store    *store.Store
	Queue    queue.Queue
	Bus      *bus.Bus
	Registry *agent.Registry
	Runner   *runner.Runner
	Engine   *evaluation.Engine
	Fixer    *autofix.Fixer
	Loop     *loop.Controller
	Repair   *repair.Scheduler
	Metrics  *metrics.Metrics

	metricsServer     *http.Server
	telemetryShutdown func(context.Context) error
}

// Options override external collaborators during construction. Zero
// values select the built-in defaults.
type Options struct {
	Enricher enrich.ContextBuilder
	Settings runner.SettingsProvider
	LLM      llm.Client
}

// New wires a core from configuration. The caller owns the returned
// core's lifecycle: Start to begin processing, Stop to shut down.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	q, err := newQueue(cfg.Queue)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.NewMetrics()

	client := opts.LLM
	if client == nil {
		client = llm.NewOpenAIClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Timeout)
	}
	if cfg.Cache.Enabled {
		llmCache, err := newCache(cfg.Cache)
		if err != nil {
			log.Printf("[Core] Cache unavailable, continuing without: %v", err)
		} else {
			client = llm.NewCachedClient(client, llmCache)
		}
	}

	enricher := opts.Enricher
	if enricher == nil {
		enricher = enrich.Noop{}
	}
	settings := opts.Settings
	if settings == nil {
		settings = runner.StaticSettings{}
	}

	registry := agent.NewRegistry()
	b, err := bus.New(q, bus.Config{RequestTimeout: cfg.Bus.RequestTimeout})
	if err != nil {
		st.Close()
		q.Close()
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}
	run := runner.New(st, registry, enricher, q, settings, m)

	matrix := evaluation.DefaultMatrix()
	if cfg.Evaluation.MatrixPath != "" {
		matrix, err = evaluation.LoadMatrixFromFile(cfg.Evaluation.MatrixPath)
		if err != nil {
			st.Close()
			q.Close()
			return nil, fmt.Errorf("failed to load metric matrix: %w", err)
		}
	}
	if cfg.Evaluation.NeedsFixThreshold > 0 {
		matrix.NeedsFixThreshold = cfg.Evaluation.NeedsFixThreshold
	}
	engine := evaluation.New(st, client, matrix, cfg.LLM.DefaultModel, m)

	fixModel := cfg.LLM.FixModel
	if fixModel == "" {
		fixModel = cfg.LLM.DefaultModel
	}
	fixer := autofix.New(st, client, fixModel)

	loopCtl := loop.New(st, engine, fixer, run, q, settings, loop.Config{
		RaterModels:   cfg.LLM.RaterModels,
		MaxIterations: cfg.ClosedLoop.DefaultMaxIterations,
	}, m)

	repairModel := cfg.LLM.RepairModel
	if repairModel == "" {
		repairModel = cfg.LLM.DefaultModel
	}
	repairCtl := repair.New(st, client, repairModel, repair.Options{
		SampleSize:       cfg.SelfRepair.SampleSize,
		MinSampleSize:    cfg.SelfRepair.MinSampleSize,
		FailureThreshold: cfg.SelfRepair.FailureThreshold,
	}, m)

	return &Core{
		Config:   cfg,
		Store:    st,
		Queue:    q,
		Bus:      b,
		Registry: registry,
		Runner:   run,
		Engine:   engine,
		Fixer:    fixer,
		Loop:     loopCtl,
		Repair:   repair.NewScheduler(repairCtl, registry, cfg.SelfRepair.Interval),
		Metrics:  m,
	}, nil
}

func newQueue(cfg config.QueueConfig) (queue.Queue, error) {
	defaults := queue.Options{MaxAttempts: cfg.MaxAttempts, BackoffBase: cfg.BackoffBase}
	switch cfg.Backend {
	case "", "memory":
		return queue.NewMemoryQueue(defaults), nil
	case "nats":
		return queue.NewNatsQueue(queue.NatsConfig{
			URL:        cfg.NATSURL,
			StreamName: cfg.StreamName,
			Defaults:   defaults,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func newCache(cfg config.CacheConfig) (*cache.Cache, error) {
	cacheCfg := &cache.Config{Enabled: true, DefaultTTL: cfg.DefaultTTL, MaxSize: cfg.MaxSize}
	if cfg.Backend == "redis" {
		backend, err := cache.NewRedisBackend(context.Background(), cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return cache.NewWithBackend(cacheCfg, backend), nil
	}
	return cache.New(cacheCfg), nil
}

// Start begins queue processing, the self-repair schedule, and the
// observability endpoints.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Loop.Start(c.Config.Queue.Concurrency); err != nil {
		return err
	}
	c.Repair.Start()

	if c.Config.Metrics.Enabled {
		c.metricsServer = metrics.Serve(c.Config.Metrics.ListenAddr)
	}
	if c.Config.Telemetry.Enabled {
		shutdown, err := telemetry.InitTelemetry(ctx, c.Config.Telemetry.ServiceName, c.Config.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("[Core] Telemetry init failed, continuing without: %v", err)
		} else {
			c.telemetryShutdown = shutdown
		}
	}

	log.Printf("[Core] Started with agents: %v", c.Registry.List())
	return nil
}

// Health checks every wired backend.
func (c *Core) Health(ctx context.Context) error {
	if err := c.Store.Health(ctx); err != nil {
		return fmt.Errorf("store unhealthy: %w", err)
	}
	if err := c.Queue.Health(); err != nil {
		return fmt.Errorf("queue unhealthy: %w", err)
	}
	if err := c.Bus.Health(); err != nil {
		return fmt.Errorf("bus unhealthy: %w", err)
	}
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (c *Core) Stop(ctx context.Context) {
	c.Repair.Stop()

	if err := c.Queue.Close(); err != nil {
		log.Printf("[Core] Queue close failed: %v", err)
	}
	if err := c.Bus.Close(); err != nil {
		log.Printf("[Core] Bus close failed: %v", err)
	}
	if c.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Core] Metrics server shutdown failed: %v", err)
		}
	}
	if c.telemetryShutdown != nil {
		if err := c.telemetryShutdown(ctx); err != nil {
			log.Printf("[Core] Telemetry shutdown failed: %v", err)
		}
	}
	if err := c.Store.Close(); err != nil {
		log.Printf("[Core] Store close failed: %v", err)
	}
	log.Printf("[Core] Stopped")
}
