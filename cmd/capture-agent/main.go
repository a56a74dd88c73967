// Command capture-agent runs the Seshat session capture agent: it joins a
// transcription session over the realtime transport and streams microphone
// audio to it until interrupted.
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
	"time"

	"github.com/seshat-labs/seshat-capture/internal/app"
	"github.com/seshat-labs/seshat-capture/internal/config"
	"github.com/seshat-labs/seshat-capture/internal/observe"
	"github.com/seshat-labs/seshat-capture/pkg/media"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sessionID := flag.String("session", "", "session to join on startup; empty means wait for external control")
	record := flag.Bool("record", false, "start recording immediately after joining (requires -session)")
	flag.Parse()

	if *record && *sessionID == "" {
		fmt.Fprintln(os.Stderr, "capture-agent: -record requires -session")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capture-agent: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("capture-agent starting",
		"config", *configPath,
		"environment", cfg.Runtime.Environment,
		"socket_url", cfg.Runtime.SocketURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "seshat-capture",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *sessionID != "" {
		if err := application.Session().Join(ctx, *sessionID); err != nil {
			slog.Warn("session join queued until transport connects", "session_id", *sessionID, "err", err)
		}
		if *record {
			result, err := application.Session().StartRecording(ctx, media.Constraints{
				DeviceID:   cfg.Capture.DeviceID,
				SampleRate: cfg.Capture.SampleRate,
				Channels:   cfg.Capture.Channels,
			})
			if err != nil {
				slog.Error("failed to start recording", "err", err)
			} else if !result.Success {
				slog.Error("capture did not start", "error_code", result.ErrorCode)
			}
		}
	}

	slog.Info("agent ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
