package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wingman-ai/gateway/internal/agentrunner"
	"github.com/wingman-ai/gateway/internal/attachments"
	"github.com/wingman-ai/gateway/internal/auth"
	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/credentials"
	"github.com/wingman-ai/gateway/internal/fanout"
	"github.com/wingman-ai/gateway/internal/fsbrowse"
	"github.com/wingman-ai/gateway/internal/groups"
	"github.com/wingman-ai/gateway/internal/httpapi"
	"github.com/wingman-ai/gateway/internal/hub"
	"github.com/wingman-ai/gateway/internal/registry"
	"github.com/wingman-ai/gateway/internal/scheduler"
	"github.com/wingman-ai/gateway/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		return runServe(workspace)
	},
}

func setupLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func runServe(workspace string) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)

	slog.Info("starting gateway", "addr", cfg.Addr(), "version", version)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("store connected", "path", cfg.DBPath)

	creds, err := credentials.Open("")
	if err != nil {
		return err
	}

	var runner *agentrunner.Client
	if addr := os.Getenv("WINGMAN_AGENT_RUNNER_ADDR"); addr != "" {
		runnerCfg := agentrunner.DefaultConfig()
		runnerCfg.Address = addr
		runner, err = agentrunner.NewClient(runnerCfg, slog.Default())
		if err != nil {
			slog.Warn("failed to connect to agent runner, requests will fail until it is reachable", "error", err, "addr", addr)
			runner = nil
		} else {
			defer runner.Close()
			slog.Info("agent runner connected", "addr", addr)
		}
	} else {
		slog.Info("WINGMAN_AGENT_RUNNER_ADDR not set, agent requests will fail")
	}

	reg := registry.New(registry.Options{
		MaxNodes:         cfg.Gateway.MaxNodes,
		MessageWindow:    cfg.Gateway.MessageWindowMs.Duration(),
		MessageRateLimit: cfg.Gateway.MessageRateLimit,
		PingInterval:     cfg.Gateway.PingInterval.Duration(),
		PingTimeout:      cfg.Gateway.PingTimeout.Duration(),
	})
	grp := groups.New()
	fo := fanout.New(nil)
	authn := auth.New(cfg.Gateway.Auth)

	// Scheduler needs an Executor at construction time, but the Executor
	// is a Hub method; Hub needs the Scheduler. Build Hub first with a
	// nil Scheduler, build the Scheduler around a method value on that
	// Hub pointer (safe: method values are evaluated lazily, at call
	// time, not at closure-creation time), then attach it.
	blobs := attachments.New(cfg.AttachmentsDir)
	gw := hub.New(cfg, reg, grp, fo, nil, repo, authn, runner, blobs, version)
	sched := scheduler.New(scheduler.Options{
		MaxConcurrentRequests: cfg.Scheduler.MaxConcurrentRequests,
		Retry: scheduler.RetryPolicy{
			Base:        cfg.Scheduler.RetryBase.Duration(),
			MaxBackoff:  cfg.Scheduler.RetryMaxBackoff.Duration(),
			JitterMs:    cfg.Scheduler.RetryJitterMs.Duration(),
			MaxAttempts: cfg.Scheduler.RetryMaxAttempts,
		},
		GracefulShutdown:      cfg.Scheduler.GracefulShutdownMs.Duration(),
		CoordinatorIdle:       cfg.Scheduler.CoordinatorIdleTimeout.Duration(),
		OnCancellationTimeout: gw.ReportCancellationTimeout,
	}, gw.ExecuteRequest)
	gw.Scheduler = sched

	roots := cfg.Gateway.FSRoots
	if len(roots) == 0 {
		roots = []string{workspace}
	}
	browser := fsbrowse.New(roots)

	api := &httpapi.Server{Cfg: cfg, Hub: gw, Store: repo, Browser: browser, Creds: creds}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var gotSig os.Signal
	go func() {
		gotSig = <-sigCh
		stop()
	}()

	go reg.Run(ctx)

	watcher, err := config.NewWatcher(workspace, func(newCfg *config.Config) {
		slog.Info("config reloaded", "path", config.WorkspaceConfigPath(workspace))
		*cfg = *newCfg
		newRoots := newCfg.Gateway.FSRoots
		if len(newRoots) == 0 {
			newRoots = []string{workspace}
		}
		browser.SetRoots(newRoots)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, edits to wingman.config.json will require a restart", "error", err)
	} else {
		defer watcher.Close()
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			if watcher != nil {
				slog.Info("SIGHUP received, reloading config")
				watcher.Reload()
			}
		}
	}()

	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	pterm.Info.Println("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.GracefulShutdownMs.Duration())
	defer cancel()
	sched.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	pterm.Success.Println("gateway stopped")
	if gotSig == os.Interrupt {
		os.Exit(130)
	}
	return nil
}
