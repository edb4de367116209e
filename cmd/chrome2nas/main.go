package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"chrome2nas/internal/cdp"
	"chrome2nas/internal/config"
	"chrome2nas/internal/detect"
	"chrome2nas/internal/logger"
	"chrome2nas/internal/nasapi"
	"chrome2nas/internal/server"
	"chrome2nas/internal/session"
	"chrome2nas/internal/storage"
	"chrome2nas/pkg/api"
	"chrome2nas/pkg/model"
)

func main() {
	configPath := flag.String("config", "chrome2nas.yaml", "config file path")
	devtools := flag.String("devtools", "", "DevTools HTTP endpoint, overrides config")
	listen := flag.String("listen", "", "control API listen address, overrides config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *devtools != "" {
		cfg.CDP.DevToolsURL = *devtools
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writers:    cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if err := run(cfg, log); err != nil {
		log.Err(err, "进程异常退出")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Sqlite, log)
	if err != nil {
		return err
	}
	settingsRepo := storage.NewSettingsRepo(db)
	initial, err := settingsRepo.Load(ctx, cfg.DefaultSettings())
	if err != nil {
		return err
	}
	settings := config.NewSettingsCache(initial)
	jobs := storage.NewJobRepo(db, cfg.Detect.JobHistory, model.SystemClock)

	nas := nasapi.NewClient(settings, nasapi.Options{
		Timeout:       cfg.NAS.Timeout,
		HealthTimeout: cfg.NAS.HealthTimeout,
		Logger:        log.With("module", "nasapi"),
	})

	registry := session.NewManager(log.With("module", "session"))
	// 引擎与目标管理器互相引用：引擎通过管理器查询 Cookie，管理器把事件交给引擎
	var mgr *cdp.Manager
	cookies := &lazyCookies{get: func() *cdp.Manager { return mgr }}
	engine := detect.New(detect.Options{
		Settings:       settings,
		Cookies:        cookies,
		Submitter:      nas,
		Jobs:           jobs,
		Logger:         log.With("module", "detect"),
		HeaderCapacity: cfg.Detect.HeaderCapacity,
		OrphanCapacity: cfg.Detect.OrphanCapacity,
		OrphanMaxAge:   cfg.Detect.OrphanMaxAge,
		NotifyInterval: cfg.Detect.NotifyInterval,
		Thresholds:     cfg.Detect.Thresholds(),
	})
	mgr = cdp.New(cdp.Options{
		DevToolsURL:  cfg.CDP.DevToolsURL,
		PollInterval: cfg.CDP.PollInterval,
		Registry:     registry,
		Sink:         engine,
		Logger:       log.With("module", "cdp"),
	})

	svc := api.NewService(api.Deps{
		Engine:       engine,
		NAS:          nas,
		Settings:     settings,
		SettingsRepo: settingsRepo,
		Jobs:         jobs,
		Tabs:         registry,
		Logger:       log.With("module", "api"),
	})
	srv := server.New(svc, log.With("module", "server"))

	if !initial.Configured() {
		log.Warn("尚未配置 NAS 地址或密钥，提交前请先通过 PUT /api/settings 配置")
	}
	log.Info("chrome2nas 启动", "version", cfg.Version, "devtools", cfg.CDP.DevToolsURL, "listen", cfg.API.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.API.Listen) })
	err = g.Wait()

	engine.Wait()
	log.Info("chrome2nas 已退出")
	return err
}
