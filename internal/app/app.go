package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"ghostrun/internal/backend"
	"ghostrun/internal/catalog"
	"ghostrun/internal/clock"
	"ghostrun/internal/eventbus"
	"ghostrun/internal/executor"
	"ghostrun/internal/experience"
	"ghostrun/internal/storage"
	"ghostrun/internal/task/batch"
	"ghostrun/internal/task/delegate"
	"ghostrun/internal/task/engine"
	"ghostrun/internal/task/router"
	"ghostrun/internal/task/scheduler"
	"ghostrun/internal/trigger"
	logx "ghostrun/pkg/logx"
)

// restartSections change wiring that is only built once in NewApp.
var restartSections = map[string]bool{
	"delegate":   true,
	"backend":    true,
	"executor":   true,
	"experience": true,
	"storage":    true,
	"catalog":    true,
	"webhook":    true,
}

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	redis *experience.RedisSink

	engine  *engine.Service
	batches *batch.Executor
	router  *router.Router
	sched   *scheduler.Service
	catalog *catalog.Manager
	webhook *trigger.Webhook
	files   *trigger.FileWatch
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()
	clk := clock.Real{}

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc, bus: bus}
	built := false
	defer func() {
		if !built {
			_ = a.closeStores()
			_ = logSvc.Close()
		}
	}()

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	bcfg, err := mapBackendConfig(cfg)
	if err != nil {
		return nil, err
	}
	be, err := backend.New(bcfg, root.With(logx.String("comp", "backend")))
	if errors.Is(err, backend.ErrNotConfigured) {
		// Action-only catalogs run without a backend; prompt jobs fail.
		log.Warn("backend not configured; prompt jobs will fail", logx.Err(err))
		be = unconfiguredBackend(err)
	} else if err != nil {
		return nil, err
	}

	batchCfg, err := mapBatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.batches = batch.New(batchCfg, be, root, bus, clk)

	proc, err := executor.NewProcess(mapProcessConfig(cfg), root)
	if err != nil {
		return nil, err
	}
	mux := &executor.Mux{Process: proc, Prompt: executor.NewPrompt(be, batchCfg.SharedContext)}

	var sinks experience.Multi
	if a.store != nil {
		sinks = append(sinks, experience.NewStoreSink(a.store))
	}
	if url := strings.TrimSpace(cfg.Experience.RedisURL); url != "" {
		rs, err := experience.NewRedisSink(context.Background(), url, cfg.Experience.KeyPrefix, cfg.Experience.ListMax)
		if err != nil {
			return nil, errors.Wrap(err, "experience redis")
		}
		a.redis = rs
		sinks = append(sinks, rs)
		log.Info("experience redis enabled")
	}
	var sink delegate.ExperienceSink
	if len(sinks) > 0 {
		sink = sinks
	}
	var recorder delegate.ExecutionRecorder
	if a.store != nil {
		recorder = a.store
	}

	dcfg, err := mapDelegateConfig(cfg)
	if err != nil {
		return nil, err
	}
	del := delegate.New(dcfg, mux, recorder, sink, root, clk)
	a.router = router.New(mapRouterConfig(cfg), a.batches, delegate.NewDispatcher(a.engine, del, root), root)

	a.catalog = catalog.NewManager(strings.TrimSpace(cfg.Catalog.Path), root, bus)
	if a.catalog.Path() != "" {
		if err := a.catalog.Load(); err != nil {
			return nil, err
		}
	} else {
		log.Warn("catalog.path not set; no jobs loaded")
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scfg, a.router, a.batches, a.catalog, root.With(logx.String("comp", "scheduler")), bus, clk)

	if cfg.Webhook.Enabled {
		a.webhook = trigger.NewWebhook(mapWebhookConfig(cfg), a.sched, root)
	}
	a.files = trigger.NewFileWatch(a.sched, 0, root)

	built = true
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Scheduler exposes the firing surface for out-of-band callers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg.Catalog.Watch && a.catalog.Path() != "" {
		a.sup.GoRestart("catalog.watch", a.catalog.Watch)
	}

	reload, unsub := a.catalog.Subscribe(4)
	a.sup.Go("trigger.filewatch", func(c context.Context) error {
		defer unsub()
		return a.files.Run(c, reload)
	})

	if a.webhook != nil {
		a.sup.Go("trigger.webhook", a.webhook.Serve)
	}

	// Optional: log events for observability/debug.
	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.Int("jobs", len(a.catalog.Jobs())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("webhook", a.webhook != nil),
	)
	return nil
}

// applyConfig pushes the live-reloadable parts of next into running
// components: logging, batch categories, the engine pool and the scheduler.
func (a *App) applyConfig(c context.Context, prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if slices.Contains(sections, "batch") && batchWindowingChanged(prev, next) {
		a.log.Warn("batch windowing changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))
	a.router.Apply(mapRouterConfig(next))

	prevEngEnabled := a.engine.Enabled()
	newEngCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, newEngCfg)
		switch {
		case prevEngEnabled && !newEngCfg.Enabled:
			a.log.Info("task engine disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !prevEngEnabled && newEngCfg.Enabled:
			a.log.Info("task engine enabled via config")
			a.engine.Start(c)
		}
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func batchWindowingChanged(prev, next *Config) bool {
	p, n := prev.Batch, next.Batch
	return p.Window != n.Window || p.MaxSize != n.MaxSize ||
		p.FlushTimeout != n.FlushTimeout || p.SharedContext != n.SharedContext
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Triggers and reload loops unwind first; the scheduler and engine run
	// on detached contexts and are drained below.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = max(min(limit, time.Until(dl)), 0)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The scheduler flushes pending batches and waits for in-flight firings,
	// which can take a full backend call; it gets the caller's whole budget.
	step("scheduler", 0, a.sched.Stop)
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("batch", 2*time.Second, a.batches.Close)
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStores() })

	// Finally, wait for supervised goroutines (triggers, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close redis"))
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close storage"))
		}
		a.store = nil
	}
	return errs
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func unconfiguredBackend(cause error) batch.Backend {
	return batch.BackendFunc(func(context.Context, batch.Request) (batch.Response, error) {
		return batch.Response{}, cause
	})
}
