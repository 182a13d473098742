package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskagent/internal/api"
	"taskagent/internal/config"
	"taskagent/internal/controlplane"
	"taskagent/internal/core"
	"taskagent/internal/logging"
	taskagentmcp "taskagent/internal/mcp"
	"taskagent/internal/store"
	"taskagent/internal/timer"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(2)
	}

	// stdout carries the MCP protocol in the stdio modes.
	logOut := os.Stdout
	if cfg.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.LogLevel, cfg.LogFormat)
	if cfg.ConfigFile != "" {
		logger.Info("loaded config file", "path", cfg.ConfigFile)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.JournalKeep)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	client, err := controlplane.New(controlplane.Options{
		BaseURL: cfg.ServerURL,
		Timeout: cfg.HTTPTimeout,
		Version: version,
	}, logger)
	if err != nil {
		return err
	}

	timers := timer.NewManager(logger)
	timers.Start()
	defer timers.Stop()

	executor := core.NewCommandExecutor(client, storeInst, timers, logger, core.ExecutorOptions{
		KillGrace: cfg.KillGrace,
		Retry:     core.RetryPolicy{Retries: 3, Base: cfg.ReportRetryBase},
	})
	scheduler := core.NewScheduler(client, executor, timers, logger, core.SchedulerOptions{
		NetChecker: client,
		Invalid:    client,
		KickRate:   rate.Limit(cfg.KickRate),
		KickBurst:  cfg.KickBurst,
	})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()
	scheduler.Start(ctx)

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		fetchLoop(ctx, scheduler, cfg.FetchInterval)
	}()

	mcpServer := taskagentmcp.NewMCPServer(scheduler, storeInst, logger, version)

	serverErr := make(chan error, 2)
	var server *api.Server
	if cfg.Mode == "http" || cfg.Mode == "both" {
		server = api.NewServer(api.Options{
			Addr:      cfg.Addr,
			AuthToken: cfg.AuthToken,
			MCP:       mcpServer.Handler(),
		}, scheduler, storeInst, logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if cfg.Mode == "mcp" || cfg.Mode == "both" {
		go func() {
			// ServeStdio returns when stdin closes or on a signal it handles itself.
			if err := mcpServer.Run(); err != nil && !errors.Is(err, context.Canceled) {
				serverErr <- fmt.Errorf("mcp server: %w", err)
				return
			}
			serverErr <- nil
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready", "err", err)
	} else if ok {
		logger.Debug("notified systemd")
	}
	logger.Info("agent started", "version", version, "mode", cfg.Mode, "server_url", cfg.ServerURL)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case runErr = <-serverErr:
		if runErr == nil {
			logger.Info("mcp session closed")
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdown(cfg, logger, server, scheduler, cancel, fetchDone)
	return runErr
}

// fetchLoop pulls tasks once at startup and then every interval.
func fetchLoop(ctx context.Context, scheduler *core.Scheduler, interval time.Duration) {
	scheduler.Fetch(ctx, core.ReasonStartup, false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.Fetch(ctx, core.ReasonPeriodic, false)
		}
	}
}

func shutdown(cfg *config.Config, logger *slog.Logger, server *api.Server, scheduler *core.Scheduler, cancel context.CancelFunc, fetchDone <-chan struct{}) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := scheduler.Stop()
	cancel()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}
	select {
	case <-fetchDone:
	case <-shutdownCtx.Done():
	}
	logger.Info("shutdown complete")
}
