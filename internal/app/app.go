// Package app wires configuration, storage, the VK client, the scheduler
// and the notification sinks into one runnable service.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postwatch/internal/config"
	"postwatch/internal/executor"
	"postwatch/internal/ingest"
	"postwatch/internal/notify"
	"postwatch/internal/policy"
	"postwatch/internal/ref"
	"postwatch/internal/scheduler"
	"postwatch/internal/store"
	"postwatch/internal/vkapi"
	logx "postwatch/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *store.Store
	vk       *vkapi.Client
	sched    *scheduler.Scheduler
	watcher  *ingest.Watcher
	telegram *notify.Telegram

	reloadCh chan *config.Config
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New loads the config file and constructs every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logSvc, log := logx.New(logCfg(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("component", "config")))
	// Reject reloads that pass the syntactic Validate but would not
	// translate into component configs (bad policy names, bad durations).
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := schedulerCfg(cfg.Scheduler); err != nil {
			return err
		}
		_, err := vkClientCfg(cfg.VK)
		return err
	})

	a := &App{mgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func logCfg(c config.LoggingConfig) logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func (a *App) build(cfg *config.Config) error {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		a.log.With(logx.String("component", "store")))
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	a.store = st

	vkCfg, err := vkClientCfg(cfg.VK)
	if err != nil {
		return err
	}
	a.vk = vkapi.New(vkCfg, a.log.With(logx.String("component", "vk")))

	sinks := []notify.Sink{notify.LogSink{Log: a.log.With(logx.String("component", "results"))}}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:      cfg.Telegram.Token,
			ChatID:     cfg.Telegram.ChatID,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, a.log.With(logx.String("component", "telegram")))
		if err != nil {
			return fmt.Errorf("starting telegram sink: %w", err)
		}
		a.telegram = tg
		sinks = append(sinks, tg)
	}

	schedCfg, err := schedulerCfg(cfg.Scheduler)
	if err != nil {
		return err
	}

	exec := executor.New(st, a.vk, nil, notify.Multi(sinks), schedCfg.MinDelay,
		a.log.With(logx.String("component", "executor")))
	a.sched = scheduler.New(schedCfg, st, exec, nil,
		a.log.With(logx.String("component", "scheduler")))

	if cfg.Ingest.Enabled {
		a.watcher = ingest.NewWatcher(cfg.Ingest.Dir,
			ingest.NewTextIngester(a.log.With(logx.String("component", "ingest"))),
			a.sched,
			a.log.With(logx.String("component", "ingest")))
	}
	return nil
}

func vkClientCfg(c config.VKConfig) (vkapi.Config, error) {
	ttl, err := config.ParseDurationField("vk.cache_ttl", c.CacheTTL)
	if err != nil {
		return vkapi.Config{}, err
	}
	timeout, err := config.ParseDurationField("vk.http_timeout", c.HTTPTimeout)
	if err != nil {
		return vkapi.Config{}, err
	}
	return vkapi.Config{
		Token:       c.Token,
		RatePerSec:  c.RatePerSec,
		RetryMax:    c.RetryMax,
		CacheTTL:    ttl,
		HTTPTimeout: timeout,
	}, nil
}

func schedulerCfg(c config.SchedulerConfig) (scheduler.Config, error) {
	var (
		cfg scheduler.Config
		err error
	)
	if cfg.ScanInterval, err = config.ParseDurationField("scheduler.scan_interval", c.ScanInterval); err != nil {
		return cfg, err
	}
	if cfg.Tick, err = config.ParseDurationField("scheduler.tick", c.Tick); err != nil {
		return cfg, err
	}
	if cfg.MinDelay, err = config.ParseDurationOrDefault("scheduler.min_delay", c.MinDelay, policy.DefaultMinDelay); err != nil {
		return cfg, err
	}
	if cfg.StaleAfter, err = config.ParseDurationField("scheduler.stale_after", c.StaleAfter); err != nil {
		return cfg, err
	}
	cfg.Workers = c.Workers
	cfg.QueueSize = c.QueueSize
	if cfg.DefaultPolicy, err = policy.ParseName(c.DefaultPolicy); err != nil {
		return cfg, fmt.Errorf("scheduler.default_policy: %w", err)
	}
	return cfg, nil
}

// Start runs the scheduler, the ingest watcher and the config hot reload.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.sched.Start()
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			return err
		}
	}

	a.checkToken(ctx)

	a.reloadCh = a.mgr.Subscribe(1)
	a.wg.Add(1)
	go a.reloadLoop(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("service started")
	return nil
}

// Stop shuts the service down in dependency order: stop accepting work,
// drain executions, then close outputs and storage.
func (a *App) Stop() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.sched.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	if a.reloadCh != nil {
		a.mgr.Unsubscribe(a.reloadCh)
	}
	a.wg.Wait()
	if a.telegram != nil {
		a.telegram.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", logx.Err(err))
	}
	a.log.Info("service stopped")
	_ = a.logSvc.Close()
}

// reloadLoop applies hot-reloadable settings from committed config changes.
// Structural settings (storage path, worker counts, telegram wiring) need a
// restart and are intentionally left alone.
func (a *App) reloadLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case cfg, ok := <-a.reloadCh:
			if !ok {
				return
			}
			a.applyReload(ctx, cfg)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logCfg(cfg.Logging))
	if cfg.VK.Token != "" {
		a.vk.SetToken(cfg.VK.Token)
		a.checkToken(ctx)
	}
	a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
}

// checkToken probes the remote API with the configured token. A bad token
// is only a warning: the API may be down, and jobs fail with a clear reason
// at execution time anyway.
func (a *App) checkToken(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.vk.CheckToken(cctx); err != nil {
		a.log.Warn("vk token check failed", logx.Err(err))
	}
}

// Admit parses raw links and hands them to the scheduler as one batch.
// It exists for callers outside the ingest watcher (one-shot CLI admission).
func (a *App) Admit(ctx context.Context, source string, pol policy.Name, links []string) (*store.Batch, error) {
	refs := make([]ref.Ref, 0, len(links))
	for _, l := range links {
		r, err := ref.Parse(l)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return a.sched.Admit(ctx, source, pol, refs)
}
