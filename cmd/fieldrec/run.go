package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fieldrec/internal/app"
	"github.com/MrWong99/fieldrec/internal/config"
	"github.com/MrWong99/fieldrec/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the recorder until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload hot-reloadable settings when the config file changes")
	return cmd
}

func run(cmd *cobra.Command, watch bool) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", path)
		}
		return err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Server.LogFormat, level))

	slog.Info("fieldrec starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"device_id", cfg.Server.DeviceID,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceID:       cfg.Server.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	application, err := app.New(ctx, cfg, app.WithLevelVar(level))
	if err != nil {
		return err
	}

	if watch {
		w, err := config.NewWatcher(path, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("recorder ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		runErr = errors.Join(runErr, err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr == nil {
		slog.Info("goodbye")
	}
	return runErr
}
