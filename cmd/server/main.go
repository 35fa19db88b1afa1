package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/ChinookDW/internal/application"
	"github.com/JonMunkholm/ChinookDW/internal/config"
	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/logging"
	"github.com/JonMunkholm/ChinookDW/internal/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()
	app, err := application.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to start pipeline", "error", err, "code", core.MapError(err).Code)
		os.Exit(1)
	}
	defer app.Close()

	service := app.Service(cfg)

	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	if cfg.Pipeline.Schedule != "" {
		mode, err := core.ParseMode(cfg.Pipeline.Mode)
		if err != nil {
			slog.Error("invalid pipeline mode", "error", err)
			os.Exit(1)
		}
		// Unattended resets would wipe the store on every tick.
		if mode == core.ModeReset {
			slog.Warn("scheduled runs are always incremental", "configured_mode", cfg.Pipeline.Mode)
			mode = core.ModeIncremental
		}
		if err := service.StartScheduler(jobCtx, cfg.Pipeline.Schedule, mode); err != nil {
			slog.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	server := web.NewServer(service, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := service.RunStatus(); status.Running {
			slog.Info("waiting for pipeline run to complete", "trigger", status.Trigger)
			if err := service.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("pipeline run did not complete in time", "error", err)
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-done
}
