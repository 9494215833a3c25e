// Package app assembles the daemon: config, logging, storage, the upstream
// clients, the scheduler and the HTTP API, all supervised under one context.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"tubescribe/internal/catchup"
	"tubescribe/internal/config"
	"tubescribe/internal/eventbus"
	"tubescribe/internal/executor"
	"tubescribe/internal/gitstore"
	"tubescribe/internal/httpapi"
	"tubescribe/internal/jobstore"
	"tubescribe/internal/runtime/supervisor"
	"tubescribe/internal/scheduler"
	"tubescribe/internal/youtube"
	logx "tubescribe/pkg/logx"
)

const defaultHTTPAddr = "127.0.0.1:8484"

// Env vars holding secrets. Secrets never live in the config file.
const (
	envYouTubeKey  = "YT_API_KEY"
	envGitHubToken = "GITHUB_TOKEN"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store *jobstore.Store
	sched *scheduler.Scheduler
	api   *httpapi.Server
	bus   eventbus.Bus
}

// New loads the config and builds every component. Nothing is running yet;
// Run starts the supervised goroutines.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	if cfg.GitHub.Owner == "" {
		logSvc.Close()
		return nil, errors.New("github.owner and github.repo must be configured")
	}

	store, err := jobstore.Open(cfg.Storage, cfg.Scheduler.ReportRetention, log.With(logx.String("svc", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	lister := youtube.NewClient(cfg.YouTube, os.Getenv(envYouTubeKey), nil, log.With(logx.String("svc", "youtube")))
	fetcher := youtube.NewTranscripts(cfg.YouTube, nil, log.With(logx.String("svc", "transcripts")))
	archive, err := gitstore.New(cfg.GitHub, os.Getenv(envGitHubToken), "", store, nil, log.With(logx.String("svc", "gitstore")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("configure archive: %w", err)
	}

	schedOpts, err := scheduler.FromConfig(cfg.Scheduler)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	execOpts, err := executor.FromConfig(cfg.Executor)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	planner := catchup.New(lister, archive, log.With(logx.String("svc", "planner")))
	sched := scheduler.New(store, planner, fetcher, archive, bus, schedOpts, execOpts, log.With(logx.String("svc", "scheduler")))
	api := httpapi.NewServer(store, sched, log.With(logx.String("svc", "http")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		sched:  sched,
		api:    api,
		bus:    bus,
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Run starts everything and blocks until ctx is canceled, then winds the
// components down in order and closes the store.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))

	sup.GoRestart("config.watch", a.cfgMgr.Watch)
	sup.Go0("config.apply", a.applyConfigUpdates)
	sup.GoRestart("scheduler", a.sched.Run)

	if cfg := a.cfgMgr.Get(); cfg.HTTP.Enabled {
		addr := cfg.HTTP.Addr
		if addr == "" {
			addr = defaultHTTPAddr
		}
		sup.GoRestart("httpapi", func(ctx context.Context) error {
			return a.api.Run(ctx, addr)
		})
	}

	sup.Go0("events.log", a.logRunEvents)

	<-ctx.Done()
	a.log.Info("shutting down")

	err := sup.Wait(context.Background())
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.logSvc.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyConfigUpdates pushes hot-reloadable settings into running components.
// Storage paths and listen addresses need a restart; only logging and the
// executor pacing take effect live.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			prev = cfg
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
			if stale := config.RequiresRestart(changed); len(stale) > 0 {
				a.log.Warn("changed sections need a restart to apply", logx.Any("sections", stale))
			}

			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			execOpts, err := executor.FromConfig(cfg.Executor)
			if err != nil {
				a.log.Warn("reload: executor settings rejected", logx.Err(err))
				continue
			}
			a.sched.SetExecutorOptions(execOpts)
		}
	}
}

// logRunEvents mirrors scheduler lifecycle events into the log.
func (a *App) logRunEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
	defer unsub()

	log := a.log.With(logx.String("svc", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Debug(e.Type, logx.Time("at", e.Time), logx.Any("data", e.Data))
		}
	}
}
