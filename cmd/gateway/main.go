// Package main is the entry point for the lmrelay gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmrelay/lmrelay"
	"github.com/lmrelay/lmrelay/internal/api"
	"github.com/lmrelay/lmrelay/internal/config"
	"github.com/lmrelay/lmrelay/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgManager, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()

	logger := telemetry.NewLogger(loggerConfig(cfg))
	slog.SetDefault(logger)
	logger.Info("starting lmrelay gateway", "version", lmrelay.Version)

	var tracer *telemetry.TracerProvider
	if cfg.Telemetry.Tracing.Enabled {
		tracer, err = telemetry.InitTracing(ctx, cfg.Telemetry.Tracing)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		}
	}

	routerOpts := []lmrelay.Option{lmrelay.WithLogger(logger)}
	if tracer != nil {
		routerOpts = append(routerOpts, lmrelay.WithTracer(tracer.Tracer()))
	}
	router, err := lmrelay.New(ctx, cfg, routerOpts...)
	if err != nil {
		return err
	}

	cfgManager.OnChange(func(next *config.Config) {
		if aerr := router.ApplyConfig(context.Background(), next); aerr != nil {
			logger.Error("config reload rejected", "error", aerr)
			return
		}
		logger.Info("configuration reloaded", "groups", len(next.ModelList))
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	mux := api.Routes(api.NewHandler(router, logger))
	mux.Handle("GET "+cfg.Server.MetricsPath, promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if serr := server.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			errCh <- serr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case serr := <-errCh:
		return fmt.Errorf("server error: %w", serr)
	case <-quit:
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown error", "error", serr)
	}
	if cerr := router.Close(shutdownCtx); cerr != nil {
		logger.Error("router shutdown error", "error", cerr)
	}
	if tracer != nil {
		if terr := tracer.Shutdown(shutdownCtx); terr != nil {
			logger.Error("tracer shutdown error", "error", terr)
		}
	}
	logger.Info("stopped")
	return nil
}

func loggerConfig(cfg *config.Config) telemetry.LoggerConfig {
	var level slog.Level
	switch cfg.Telemetry.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return telemetry.LoggerConfig{
		Level:      level,
		JSONFormat: cfg.Telemetry.Logging.Format != "text",
	}
}
