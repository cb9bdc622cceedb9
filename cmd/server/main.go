package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/asr-ws-bridge/internal/config"
	"github.com/skypro1111/asr-ws-bridge/internal/metrics"
	"github.com/skypro1111/asr-ws-bridge/internal/server"
	"github.com/skypro1111/asr-ws-bridge/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("Starting ASR WebSocket bridge",
		slog.String("config", *configPath),
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("backend", fmt.Sprintf("%s:%d", cfg.Backend.Host, cfg.Backend.Port)),
	)

	m := metrics.NewMetrics()
	manager := session.NewManager(cfg, logger, m)

	wsServer := server.NewWSServer(cfg, logger, m, manager)
	errCh := make(chan error, 2)
	go func() {
		errCh <- wsServer.Start()
	}()

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, logger, m, manager)
		go func() {
			errCh <- httpServer.Start()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Monitoring API shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("WebSocket server shutdown failed", slog.String("error", err.Error()))
	}
	manager.Shutdown()

	logger.Info("Shutdown complete")
}

// initLogger builds the process logger from the logging configuration
func initLogger(cfg *config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", cfg.Level)
	}

	var out io.Writer = os.Stdout
	if cfg.Output != "" && cfg.Output != "stdout" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), nil
}
