// Package main starts the peerwave signaling relay.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/config"
	"github.com/peerwave/peerwave/internal/relay"
	"github.com/peerwave/peerwave/internal/store"
)

// run wires the relay and blocks until shutdown.
func run(debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(debug)
	logStartup(logger, cfg)

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	st := store.New(backend, logger)
	server := relay.New(st, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newBackend builds the configured store backend.
func newBackend(cfg config.Config, logger zerolog.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryBackend(0), nil
	case "redis":
		return store.NewRedisBackend(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	default:
		return store.NewFileBackend(filepath.Join(cfg.DataDir, "rooms"), 0)
	}
}

// newLogger builds the process logger.
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// logStartup prints startup checks and connection info.
func logStartup(logger zerolog.Logger, cfg config.Config) {
	logger.Info().Msg("peerwave relay starting")
	envPath := filepath.Join(cfg.DataDir, ".env")
	if fileExists(envPath) {
		logger.Info().Str("path", envPath).Msg("env check: ok")
	} else {
		logger.Info().Str("path", envPath).Msg("env check: missing")
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store backend")
	logListenStatus(logger, cfg.ListenAddr)
}

// logListenStatus reports the listen address and a local URL helper.
func logListenStatus(logger zerolog.Logger, addr string) {
	logger.Info().Str("addr", addr).Msg("listen addr")
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	logger.Info().Str("url", "http://"+net.JoinHostPort(host, port)).Msg("local url")
}

// fileExists reports whether a path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
