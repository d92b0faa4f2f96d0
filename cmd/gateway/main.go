// Command gateway is the Anthropic Messages routing gateway.
//
// It reads a YAML configuration describing providers, credentials, and
// virtual routes, then serves POST /v1/messages — translating each request to
// the dialect of the provider its route binds to.
//
// Exit codes: 0 clean shutdown, 1 fatal startup or runtime error, 2 config
// file missing.
//
// Quick-start:
//
//	./gateway -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/claude-router/internal/app"
	"github.com/nulpointcorp/claude-router/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default: config.yaml, or CONFIG_FILE)")
	flag.Parse()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — a missing file is its own exit code so wrappers
	// can distinguish "not set up" from "set up wrong".
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		if errors.Is(err, config.ErrNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.Debug.LogLevel)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
