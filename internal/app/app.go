// Package app wires the fetchd components together: config, logging,
// storage, the cache-backed read path, the event broadcaster, the download
// queue and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fetchd/internal/broadcast"
	"fetchd/internal/cache"
	"fetchd/internal/config"
	"fetchd/internal/fetch"
	"fetchd/internal/health"
	"fetchd/internal/httpapi"
	"fetchd/internal/hybrid"
	"fetchd/internal/observability"
	"fetchd/internal/queue"
	"fetchd/internal/storage"
	"fetchd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store    storage.Store    // nil when persistence is disabled
	cache    *cache.Service   // nil when redis is not configured
	tracker  *health.Tracker
	selector *hybrid.Selector // nil without a cache to probe
	bcast    *broadcast.Service
	queue    *queue.Service
	api      *httpapi.Server // nil when the API is disabled
	pprof    *observability.PprofServer
	cron     *cron.Cron

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logs, log: log}

	if err := a.build(cfg, root); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// build constructs the component graph from a validated config.
func (a *App) build(cfg *config.Config, root logx.Logger) error {
	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return err
		}
		store, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, root.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = store
	}

	cooldown, err := config.ParseDurationOrDefault("health.cooldown", cfg.Health.Cooldown, 0)
	if err != nil {
		return err
	}
	a.tracker = health.New(health.Config{
		MaxFailures: cfg.Health.MaxFailures,
		Cooldown:    cooldown,
	}, root.With(logx.String("comp", "health")))

	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		dial, err := config.ParseDurationOrDefault("redis.dial_timeout", cfg.Redis.DialTimeout, 0)
		if err != nil {
			return err
		}
		a.cache = cache.New(cache.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: dial,
		}, root.With(logx.String("comp", "cache")))

		ttl, err := config.ParseDurationOrDefault("hybrid.verdict_ttl", cfg.Hybrid.VerdictTTL, 0)
		if err != nil {
			return err
		}
		window, err := config.ParseDurationOrDefault("hybrid.fallback_window", cfg.Hybrid.FallbackWindow, 0)
		if err != nil {
			return err
		}
		probeTimeout, err := config.ParseDurationOrDefault("hybrid.probe_timeout", cfg.Hybrid.ProbeTimeout, 0)
		if err != nil {
			return err
		}
		a.selector = hybrid.New(hybrid.Config{
			VerdictTTL:     ttl,
			FallbackWindow: window,
			ProbeTimeout:   probeTimeout,
		}, a.tracker, a.cache, root)
	}

	heartbeat, err := config.ParseDurationOrDefault("broadcast.heartbeat_interval", cfg.Broadcast.HeartbeatInterval, 0)
	if err != nil {
		return err
	}
	clientTimeout, err := config.ParseDurationOrDefault("broadcast.client_timeout", cfg.Broadcast.ClientTimeout, 0)
	if err != nil {
		return err
	}
	var relay broadcast.Relay
	if a.cache != nil {
		relay = a.cache
	}
	a.bcast = broadcast.New(broadcast.Config{
		QueueSize:         cfg.Broadcast.QueueSize,
		HeartbeatInterval: heartbeat,
		ClientTimeout:     clientTimeout,
		MaxClients:        cfg.Broadcast.MaxClients,
		RelayChannel:      cfg.Broadcast.RelayChannel,
	}, relay, root)

	fetchTimeout, err := config.ParseDurationOrDefault("fetcher.timeout", cfg.Fetcher.Timeout, 0)
	if err != nil {
		return err
	}
	runner := fetch.New(fetch.Config{
		Command: cfg.Fetcher.Command,
		Timeout: fetchTimeout,
	}, root.With(logx.String("comp", "fetch")))

	poll, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 0)
	if err != nil {
		return err
	}
	baseDelay, err := config.ParseDurationOrDefault("queue.base_delay", cfg.Queue.BaseDelay, 0)
	if err != nil {
		return err
	}
	retain, err := config.ParseDurationOrDefault("queue.retain_terminal", cfg.Queue.RetainTerminal, 0)
	if err != nil {
		return err
	}
	a.queue = queue.New(queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		PollInterval:   poll,
		BaseDelay:      baseDelay,
		MaxRetries:     cfg.Queue.MaxRetries,
		MaxTasks:       cfg.Queue.MaxTasks,
		RetainTerminal: retain,
	}, root.With(logx.String("comp", "queue")), runner, a.bcast, a.store)

	if cfg.API.Enabled {
		readTimeout, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 0)
		if err != nil {
			return err
		}
		idleTimeout, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, 0)
		if err != nil {
			return err
		}
		// With Redis present, status reads go through the selector-gated
		// task cache; without it the API talks to the queue directly.
		var tasks httpapi.TaskService = a.queue
		if a.cache != nil && a.selector != nil {
			tasks = httpapi.NewCachedTasks(a.queue, a.cache, a.selector, a.tracker, 0, root)
		}
		a.api = httpapi.New(httpapi.Config{
			Addr:         cfg.API.Addr,
			Token:        cfg.API.Token,
			SubmitPerSec: cfg.API.SubmitPerSec,
			ReadTimeout:  readTimeout,
			IdleTimeout:  idleTimeout,
		}, root, tasks, a.bcast, a.selector, a.tracker)
	}

	a.pprof = observability.NewPprofServer(root)
	a.cron = cron.New()
	return nil
}

func pprofConfig(cfg *config.Config) observability.PprofConfig {
	return observability.PprofConfig{
		Enabled:              cfg.Pprof.Enabled,
		Address:              cfg.Pprof.Address,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
	}
}

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	a.bcast.Start(a.runCtx)
	if err := a.queue.Start(a.runCtx); err != nil {
		return err
	}
	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return err
		}
	}

	if err := a.scheduleSweeps(a.cfgm.Get()); err != nil {
		return err
	}
	a.cron.Start()
	a.pprof.Apply(a.runCtx, pprofConfig(a.cfgm.Get()))

	// Config hot reload: watch the file and fan out committed changes.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(a.runCtx, sub)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(a.runCtx); err != nil && a.runCtx.Err() == nil {
			a.log.Error("config.watch_failed", logx.Err(err))
		}
	}()

	a.log.Info("app.started")
	return nil
}

func (a *App) scheduleSweeps(cfg *config.Config) error {
	taskSpec := cfg.Sweep.Tasks
	if taskSpec == "" {
		taskSpec = "@every 10m"
	}
	clientSpec := cfg.Sweep.Clients
	if clientSpec == "" {
		clientSpec = "@every 1m"
	}
	if _, err := a.cron.AddFunc(taskSpec, func() {
		a.queue.SweepTerminal(context.Background())
	}); err != nil {
		return fmt.Errorf("sweep.tasks schedule: %w", err)
	}
	if _, err := a.cron.AddFunc(clientSpec, func() {
		if n := a.bcast.SweepStale(time.Now()); n > 0 {
			a.log.Info("clients.swept", logx.Int("evicted", n))
		}
	}); err != nil {
		return fmt.Errorf("sweep.clients schedule: %w", err)
	}
	return nil
}

// reloadLoop applies committed config changes to live components. Bursts are
// coalesced so only the latest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
					continue
				default:
				}
				break
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if cfg.Queue.MaxConcurrent > 0 {
		a.queue.SetMaxConcurrent(cfg.Queue.MaxConcurrent)
	}
	if a.api != nil {
		a.api.SetSubmitRate(cfg.API.SubmitPerSec)
	}
	a.pprof.Apply(a.runCtx, pprofConfig(cfg))
	a.log.Info("config.reloaded")
}

// Stop shuts the components down in dependency order. Each step is bounded
// so a stuck component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop.step_failed", logx.String("step", name), logx.Err(err))
			return
		}
		a.log.Debug("stop.step_done",
			logx.String("step", name),
			logx.Duration("took", time.Since(start)))
	}

	if a.api != nil {
		step("api", 3*time.Second, a.api.Stop)
	}
	step("queue", 5*time.Second, a.queue.Stop)
	step("broadcast", 2*time.Second, func(context.Context) error {
		a.bcast.Stop()
		return nil
	})
	step("pprof", time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("cron", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	if a.cache != nil {
		step("cache", time.Second, func(context.Context) error { return a.cache.Close() })
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop.watch_leak", logx.Err(ctx.Err()))
	}

	a.log.Info("app.stopped")
	return a.logs.Close()
}
