package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"driftpad/api/internal/app"
	"driftpad/api/internal/config"
	"driftpad/api/internal/notify"
	"driftpad/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dataStore := store.NewPostgresStore(db)
	hub := notify.NewHub(logger)

	// Pokes fan out through Redis when configured so that every API
	// process wakes its own WebSocket subscribers, not just the one
	// that handled the push.
	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis poke bridge")
		bridge, err := notify.NewRedisBridge(cfg.RedisURL, hub, logger)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
		service = app.New(cfg, dataStore, bridge, logger)
	} else {
		logger.Info("poke fan-out is in-process only")
		service = app.New(cfg, dataStore, hub, logger)
	}

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("driftpad api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Shutdown does not track hijacked connections; closing the hub
	// sends a close frame to every WebSocket subscriber.
	hub.Close()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
