// Package app wires configuration, storage, the throttler and the HTTP
// surface together and owns their lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"pipewatch/internal/alerts"
	"pipewatch/internal/config"
	"pipewatch/internal/eventbus"
	"pipewatch/internal/gitlab"
	"pipewatch/internal/poller"
	"pipewatch/internal/storage"
	"pipewatch/internal/throttle"
	"pipewatch/internal/webhook"
	logx "pipewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store
	th    *throttle.Throttler
	gl    *gitlab.Client
	disp  *alerts.Dispatcher
	ing   *webhook.Ingestor
	srv   *webhook.Server
	poll  *poller.Poller

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(loggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	window, err := config.ParseDurationOrDefault("gitlab.throttle.window", cfg.GitLab.Throttle.Window, time.Minute)
	if err != nil {
		return nil, err
	}
	retryAfter, err := config.ParseDurationOrDefault("gitlab.throttle.retry_after", cfg.GitLab.Throttle.RetryAfter, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	th := throttle.New(throttle.Config{
		MaxRequests: cfg.GitLab.Throttle.MaxRequests,
		Window:      window,
		RetryAfter:  retryAfter,
	}, log.With(logx.String("comp", "throttle")))

	gl, err := gitlab.New(gitlab.Config{BaseURL: cfg.GitLab.BaseURL, Token: cfg.GitLab.Token}, th, log.With(logx.String("comp", "gitlab")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	disp := alerts.NewDispatcher(alerts.DispatcherConfig{
		RatePerSec:     cfg.Alerts.RatePerSec,
		TelegramAPIURL: cfg.Alerts.TelegramAPIURL,
	}, store, bus, log.With(logx.String("comp", "dispatch")))

	cacheTTL, err := config.ParseDurationOrDefault("alerts.cache_ttl", cfg.Alerts.CacheTTL, time.Minute)
	if err != nil {
		return nil, err
	}
	ing := webhook.NewIngestor(store, disp, bus, cacheTTL, log.With(logx.String("comp", "webhook")))
	srv := webhook.NewServer(ing, store, th, bus, log)
	poll := poller.New(poller.Config{
		Enabled:  cfg.Poller.Enabled,
		Schedule: cfg.Poller.Schedule,
		Projects: cfg.Poller.Projects,
	}, gl, store, bus, log)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logs,
		bus:   bus,
		store: store,
		th:    th,
		gl:    gl,
		disp:  disp,
		ing:   ing,
		srv:   srv,
		poll:  poll,
	}, nil
}

// Start brings up the HTTP server and poller and begins watching the
// config file for changes.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	cfg := a.cfgm.Get()
	a.srv.Apply(runCtx, webhook.ServerConfig{
		Address: cfg.Server.ListenAddress(),
		Secret:  cfg.Server.WebhookSecret,
	})
	a.poll.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	updates := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.apply(runCtx, cfg)
			}
		}
	}()

	a.log.Info("pipewatch started", logx.String("addr", a.srv.Addr()))
	return nil
}

// apply pushes a validated config update into the running components.
// Storage settings take effect on restart only.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(loggingConfig(cfg))
	window, _ := config.ParseDurationOrDefault("gitlab.throttle.window", cfg.GitLab.Throttle.Window, time.Minute)
	retryAfter, _ := config.ParseDurationOrDefault("gitlab.throttle.retry_after", cfg.GitLab.Throttle.RetryAfter, 500*time.Millisecond)
	a.th.Apply(throttle.Config{
		MaxRequests: cfg.GitLab.Throttle.MaxRequests,
		Window:      window,
		RetryAfter:  retryAfter,
	})
	a.srv.Apply(ctx, webhook.ServerConfig{
		Address: cfg.Server.ListenAddress(),
		Secret:  cfg.Server.WebhookSecret,
	})
	a.poll.Apply(poller.Config{
		Enabled:  cfg.Poller.Enabled,
		Schedule: cfg.Poller.Schedule,
		Projects: cfg.Poller.Projects,
	})
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	started := a.started
	a.started = false
	a.mu.Unlock()
	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	a.poll.Stop()
	a.srv.Stop(ctx)
	a.th.Stop()
	a.wg.Wait()

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("pipewatch stopped")
	_ = a.logs.Close()
	return nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
