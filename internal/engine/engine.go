package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	temporalsdk "go.temporal.io/sdk/client"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/delegation"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/eventbus"
	"github.com/neill-k/generic-corp-sub004/internal/logging"
	"github.com/neill-k/generic-corp-sub004/internal/messagebus"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/nudger"
	"github.com/neill-k/generic-corp-sub004/internal/relay"
	"github.com/neill-k/generic-corp-sub004/internal/runtime"
	"github.com/neill-k/generic-corp-sub004/internal/scheduler"
	"github.com/neill-k/generic-corp-sub004/internal/telemetry"
	"github.com/neill-k/generic-corp-sub004/internal/temporal"
	"github.com/neill-k/generic-corp-sub004/internal/watchdog"
	"github.com/neill-k/generic-corp-sub004/internal/worker"
	"github.com/neill-k/generic-corp-sub004/internal/workspace"
	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// Sweep names registered with the scheduler and accepted by RunSweep.
const (
	SweepStuck = "stuck"
	SweepNudge = "nudge"
)

// eventHistory is how many bus events are kept for late readers.
const eventHistory = 256

// Options supplies process-level collaborators. Zero values are built from
// the config.
type Options struct {
	// ConfigPath enables hot reload when cfg.HotReload is set.
	ConfigPath string
	Logs       *logging.Manager
	Logger     *slog.Logger
	// Redis overrides the client built from cfg.Queue.RedisURL.
	Redis redis.UniversalClient
	// Runtime overrides the adapter selected by cfg.Runtime.Kind.
	Runtime runtime.Runtime
	// Opener overrides the store opener built from cfg.Database.
	Opener  database.Opener
	Version string
}

// Engine wires the stores, dispatch backend, workers, sweeps and event relay
// of one orchestrator process.
type Engine struct {
	cfg        *config.Config
	configPath string
	version    string
	logger     *slog.Logger
	logs       *logging.Manager
	metrics    *metrics.Metrics
	telemetry  *telemetry.Provider

	tenants    *database.Tenants
	redis      redis.UniversalClient
	ownsRedis  bool
	dispatcher *dispatch.Dispatcher
	temporal   *temporal.Manager
	enqueuer   dispatch.Enqueuer

	bus        *eventbus.EventBus
	workspace  *workspace.Manager
	runtime    runtime.Runtime
	delegation *delegation.Flow
	tasks      *TaskService
	processor  *worker.Processor
	pool       *worker.Pool
	watchdog   *watchdog.Watchdog
	nudger     *nudger.Nudger
	scheduler  *scheduler.Scheduler

	hub       *relay.Hub
	nats      *messagebus.NatsMessageBus
	bridge    *messagebus.Bridge
	remoteSub *nats.Subscription
	watcher   *config.Watcher

	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// New builds an engine from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs := opts.Logs
	if logs == nil {
		logs = logging.NewManager(logging.MaxBufferSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logs, logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: os.Stderr,
		})
	}

	e := &Engine{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		version:    opts.Version,
		logger:     logger,
		logs:       logs,
		metrics:    metrics.NewMetrics(),
	}
	defer func() {
		if err != nil {
			e.closeResources(context.Background())
		}
	}()

	e.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: opts.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	}, logging.Component(logger, "telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	opener := opts.Opener
	if opener == nil {
		opener, err = database.OpenerFromConfig(cfg.Database)
		if err != nil {
			return nil, err
		}
	}
	e.tenants = database.NewTenants(opener, cfg.Tenants)

	e.bus = eventbus.New(logging.Component(logger, "eventbus"), eventHistory)
	e.bus.OnAll(func(ev eventbus.Event) { e.metrics.RecordEvent(string(ev.Type)) })

	e.workspace = workspace.New(cfg.Workspace.Root)

	e.runtime = opts.Runtime
	if e.runtime == nil {
		e.runtime, err = runtime.New(cfg.Runtime)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Temporal.Enabled {
		e.temporal, err = temporal.NewManager(ctx, cfg.Temporal, cfg.Workers.Concurrency,
			logging.Component(logger, "temporal"), e.metrics)
		if err != nil {
			return nil, err
		}
		e.enqueuer = e.temporal.Dispatcher()
	} else {
		e.redis = opts.Redis
		if e.redis == nil {
			ropts, err := redis.ParseURL(cfg.Queue.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			e.redis = redis.NewClient(ropts)
			e.ownsRedis = true
		}
		dopts := dispatch.OptionsFromConfig(cfg)
		dopts.Logger = logging.Component(logger, "dispatch")
		dopts.Metrics = e.metrics
		e.dispatcher = dispatch.New(e.redis, dopts)
		e.enqueuer = e.dispatcher
	}

	e.delegation = delegation.New(delegation.Config{
		Stores:    e.tenants,
		Artifacts: e.workspace,
		Enqueuer:  e.enqueuer,
		Bus:       e.bus,
		Logger:    logging.Component(logger, "delegation"),
		Metrics:   e.metrics,
	})

	e.tasks = NewTaskService(TaskServiceConfig{
		Stores:   e.tenants,
		Enqueuer: e.enqueuer,
		Bus:      e.bus,
		Logger:   logging.Component(logger, "tasks"),
	})

	e.processor = worker.NewProcessor(worker.ProcessorConfig{
		Stores:     e.tenants,
		Enqueuer:   e.enqueuer,
		Runtime:    e.runtime,
		Delegation: e.delegation,
		Workspace:  e.workspace,
		Tools:      e.tasks.AgentTools,
		Bus:        e.bus,
		Logger:     logging.Component(logger, "worker"),
		Metrics:    e.metrics,
		Tracer:     e.telemetry.Tracer("gcorp/worker"),
		BusyDelay:  cfg.Queue.BusyRequeueDelay,
		Model:      cfg.Runtime.Model,
		MaxTurns:   cfg.Runtime.MaxTurns,
	})

	if e.temporal != nil {
		e.temporal.SetProcessor(e.processor, cfg.Queue.BusyRequeueDelay)
	} else {
		e.pool = worker.NewPool(worker.PoolConfig{
			Queues:       e.dispatcher,
			Processor:    e.processor,
			Concurrency:  cfg.Workers.Concurrency,
			PollInterval: cfg.Workers.PollInterval,
			Logger:       logging.Component(logger, "pool"),
			Metrics:      e.metrics,
		})
	}

	e.watchdog = watchdog.New(watchdog.Config{
		Stores:     e.tenants,
		Bus:        e.bus,
		Delegation: e.delegation,
		Logger:     logging.Component(logger, "watchdog"),
		Metrics:    e.metrics,
		Timeout:    cfg.Watchdog.StuckTimeout,
	})
	e.nudger = nudger.New(nudger.Config{
		Stores:   e.tenants,
		Enqueuer: e.enqueuer,
		Bus:      e.bus,
		Logger:   logging.Component(logger, "nudger"),
		Metrics:  e.metrics,
	})

	e.scheduler = scheduler.New(logging.Component(logger, "scheduler"), scheduler.WithMetrics(e.metrics))
	if err := e.scheduler.Add(SweepStuck, cfg.Watchdog.Interval, true, func(ctx context.Context) error {
		_, err := e.watchdog.Sweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := e.scheduler.Add(SweepNudge, cfg.Nudger.Interval, cfg.Nudger.Enabled, func(ctx context.Context) error {
		_, err := e.nudger.Sweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	e.hub = relay.NewHub(e.bus, e.source(), logging.Component(logger, "relay"))

	if cfg.NATS.Enabled {
		e.nats, err = messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Timeout:    10 * time.Second,
			Logger:     logging.Component(logger, "nats"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		e.bridge = messagebus.NewBridge(e.nats, e.bus, e.source(), logging.Component(logger, "bridge"))
	}

	logger.Info("engine initialized",
		"tenants", len(cfg.Tenants),
		"dispatch", e.backend(),
		"runtime", cfg.Runtime.Kind,
		"nats", cfg.NATS.Enabled)
	return e, nil
}

func (e *Engine) source() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return "gcorp-" + host
}

func (e *Engine) backend() string {
	if e.temporal != nil {
		return "temporal"
	}
	return "redis"
}

// Start launches the relay, workers, sweeps and config watcher. They run
// until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.hub.Start()
	if e.bridge != nil {
		e.bridge.Start(ctx)
		sub, err := messagebus.SubscribeRemote(e.nats.Conn(), e.source(), logging.Component(e.logger, "bridge"), e.hub.Broadcast)
		if err != nil {
			return fmt.Errorf("failed to subscribe to remote events: %w", err)
		}
		e.remoteSub = sub
	}

	if e.temporal != nil {
		if err := e.temporal.Start(); err != nil {
			return err
		}
	} else if err := e.pool.Start(ctx, e.tenants.IDs()); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.scheduler.Start(ctx)

	if e.cfg.HotReload && e.configPath != "" {
		w, err := config.Watch(ctx, e.configPath, logging.Component(e.logger, "config"), e.applyConfig)
		if err != nil {
			e.logger.Warn("config hot reload disabled", "path", e.configPath, "error", err)
		} else {
			e.watcher = w
		}
	}

	e.logger.Info("engine started", "dispatch", e.backend())
	return nil
}

// applyConfig applies the settings that can change without a restart: sweep
// intervals, the stuck timeout and nudge enablement.
func (e *Engine) applyConfig(cfg *config.Config) {
	log := logging.Component(e.logger, "config")
	if err := e.scheduler.SetInterval(SweepStuck, cfg.Watchdog.Interval); err != nil {
		log.Warn("ignoring watchdog interval", "error", err)
	}
	if cfg.Watchdog.StuckTimeout > 0 {
		e.watchdog.SetTimeout(cfg.Watchdog.StuckTimeout)
	}
	if err := e.scheduler.SetInterval(SweepNudge, cfg.Nudger.Interval); err != nil {
		log.Warn("ignoring nudge interval", "error", err)
	}
	if err := e.scheduler.SetEnabled(SweepNudge, cfg.Nudger.Enabled); err != nil {
		log.Warn("ignoring nudge enablement", "error", err)
	}
	log.Info("configuration reloaded",
		"watchdog_interval", cfg.Watchdog.Interval,
		"stuck_timeout", cfg.Watchdog.StuckTimeout,
		"nudge_interval", cfg.Nudger.Interval,
		"nudge_enabled", cfg.Nudger.Enabled)
}

// SweepNames lists the sweeps RunSweep accepts.
func (e *Engine) SweepNames() []string {
	return []string{SweepNudge, SweepStuck}
}

// RunSweep runs a sweep now, outside its schedule, and returns its report.
// It waits for a scheduled run of the same sweep to finish first.
func (e *Engine) RunSweep(ctx context.Context, name string) (any, error) {
	var report any
	var fn scheduler.SweepFunc
	switch name {
	case SweepStuck:
		fn = func(ctx context.Context) error {
			r, err := e.watchdog.Sweep(ctx)
			report = r
			return err
		}
	case SweepNudge:
		fn = func(ctx context.Context) error {
			r, err := e.nudger.Sweep(ctx)
			report = r
			return err
		}
	default:
		return nil, fmt.Errorf("unknown sweep %q", name)
	}
	err := e.scheduler.RunWith(ctx, name, fn)
	return report, err
}

// HealthChecks returns a probe per external dependency in use.
func (e *Engine) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error {
			for _, id := range e.tenants.IDs() {
				if _, err := e.tenants.Store(ctx, id); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if e.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return e.redis.Ping(ctx).Err()
		}
	}
	if e.temporal != nil {
		checks["temporal"] = func(ctx context.Context) error {
			_, err := e.temporal.Client().CheckHealth(ctx, &temporalsdk.CheckHealthRequest{})
			return err
		}
	}
	if e.nats != nil {
		checks["nats"] = func(context.Context) error {
			return e.nats.Health()
		}
	}
	return checks
}

// Tasks returns the task service behind the API and agent tools.
func (e *Engine) Tasks() *TaskService { return e.tasks }

// Dispatcher returns the Redis dispatcher, or nil when Temporal dispatches.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Relay returns the websocket event relay.
func (e *Engine) Relay() *relay.Hub { return e.hub }

// Bus returns the in-process event bus.
func (e *Engine) Bus() *eventbus.EventBus { return e.bus }

// LogManager returns the recent-log buffer.
func (e *Engine) LogManager() *logging.Manager { return e.logs }

// Metrics returns the process metrics.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// TenantIDs returns the configured tenants, sorted.
func (e *Engine) TenantIDs() []string {
	return e.tenants.IDs()
}

// Shutdown stops everything Start launched and closes connections. In-flight
// jobs get until ctx expires to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		if e.watcher != nil {
			_ = e.watcher.Close()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.scheduler.Wait()
		if e.pool != nil {
			if perr := e.pool.Stop(ctx); perr != nil {
				err = errors.Join(err, perr)
			}
		}
		err = errors.Join(err, e.closeResources(ctx))
		e.logger.Info("engine stopped")
	})
	return err
}

// closeResources releases connections in reverse order of creation. It is
// also used to unwind a partially built engine.
func (e *Engine) closeResources(ctx context.Context) error {
	var errs []error
	if e.remoteSub != nil {
		_ = e.remoteSub.Unsubscribe()
	}
	if e.bridge != nil {
		e.bridge.Close()
	}
	if e.hub != nil {
		e.hub.Close()
	}
	if e.nats != nil {
		if err := e.nats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.temporal != nil {
		e.temporal.Stop()
	}
	if e.ownsRedis && e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if e.tenants != nil {
		if err := e.tenants.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
