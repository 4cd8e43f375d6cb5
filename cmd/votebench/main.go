// votebench drives paced governance-vote benchmarks against a
// Quorum-style network and archives the results.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorum-lab/votebench/internal/config"
	"github.com/quorum-lab/votebench/internal/runner"
	"github.com/quorum-lab/votebench/internal/storage"
	"github.com/quorum-lab/votebench/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "votebench: %v\n", err)
		os.Exit(2)
	}

	var level slog.Level
	switch cfg.LogLevel {
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

	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqlite, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to open run archive", "error", err, "path", cfg.DatabasePath)
			os.Exit(1)
		}
		defer sqlite.Close()
		store = sqlite
		logger.Info("run archive open", "path", cfg.DatabasePath)
	}

	bench, err := runner.New(cfg, store, logger)
	if err != nil {
		logger.Error("failed to create benchmark runner", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal finalizes partial results; a second one gives up.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warn("signal received, finalizing partial results", "signal", sig.String())
		cancel()
		<-sigChan
		logger.Error("second signal, exiting immediately")
		os.Exit(1)
	}()

	if cfg.ListenAddr != "" {
		server := transport.NewServer(transport.Config{
			Status:             bench,
			Health:             bench,
			Archive:            store,
			Gatherer:           bench.Registry(),
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:             logger,
		})
		defer server.Close()

		go func() {
			logger.Info("status API listening", "addr", cfg.ListenAddr)
			if err := http.ListenAndServe(cfg.ListenAddr, server.Handler()); err != nil {
				logger.Error("status API failed", "error", err)
			}
		}()
	}

	if err := bench.Execute(ctx); err != nil {
		logger.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
}
