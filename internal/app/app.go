// Package app wires the capture agent's subsystems into a running process.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main loop, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithEnvironment,
// WithTransport, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/seshat-labs/seshat-capture/internal/capture"
	"github.com/seshat-labs/seshat-capture/internal/config"
	"github.com/seshat-labs/seshat-capture/internal/diag"
	"github.com/seshat-labs/seshat-capture/internal/guard"
	"github.com/seshat-labs/seshat-capture/internal/health"
	"github.com/seshat-labs/seshat-capture/internal/observe"
	"github.com/seshat-labs/seshat-capture/internal/session"
	"github.com/seshat-labs/seshat-capture/internal/transport"
	"github.com/seshat-labs/seshat-capture/pkg/media"
	"github.com/seshat-labs/seshat-capture/pkg/media/host"
)

// shutdownGrace is how long the debug HTTP server gets to finish in-flight
// requests once Run's context is cancelled.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes for the capture agent.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	env        media.Environment
	metrics    *observe.Metrics
	reporter   *diag.Reporter
	guard      *guard.Guard
	controller *capture.Controller
	transport  *transport.Client
	session    *session.Client
	health     *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEnvironment injects a media environment instead of the local host one.
func WithEnvironment(env media.Environment) Option {
	return func(a *App) { a.env = env }
}

// WithTransport injects a realtime transport instead of creating one from
// config.
func WithTransport(tc *transport.Client) Option {
	return func(a *App) { a.transport = tc }
}

// WithReporter injects a diagnostics reporter instead of the console one.
func WithReporter(r *diag.Reporter) Option {
	return func(a *App) { a.reporter = r }
}

// WithMetrics injects a metrics bundle instead of using the global meter
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reporter == nil {
		a.reporter = diag.New(diag.WithContext(diag.Context{
			Version: string(cfg.Runtime.Environment),
		}))
	}

	// ── 2. Media environment + permission guard ──────────────────────────
	if a.env == nil {
		hostOpts := []host.Option{}
		if cfg.Capture.DeviceID != "" {
			hostOpts = append(hostOpts, host.WithDevices(cfg.Capture.DeviceID))
		}
		a.env = host.New(hostOpts...)
	}
	a.guard = guard.New(a.env, a.reporter)

	// ── 3. Capture controller ────────────────────────────────────────────
	a.controller = capture.New(a.guard, a.reporter,
		capture.WithRetryPolicy(capture.RetryPolicy{
			MaxAttempts: cfg.Capture.MaxAttempts,
			Backoff:     cfg.Capture.RetryBackoff,
		}),
		capture.WithLatencyTracking(cfg.Runtime.HasFlag(config.FlagLatencyTracking)),
		capture.WithMetrics(a.metrics),
	)

	// ── 4. Realtime transport ────────────────────────────────────────────
	if a.transport == nil {
		a.transport = transport.New(cfg.Runtime.SocketURL,
			transport.WithResilienceConfig(transport.ResilienceConfig{
				InitialReconnectionDelay: cfg.Resilience.InitialReconnectionDelay,
				ReconnectionDelayJitter:  cfg.Resilience.ReconnectionDelayJitter,
				MaxReconnectionAttempts:  cfg.Resilience.MaxReconnectionAttempts,
			}),
			transport.WithMetrics(a.metrics),
		)
	}
	a.closers = append(a.closers, func() error {
		a.transport.Disconnect()
		return nil
	})

	// ── 5. Session client ────────────────────────────────────────────────
	a.session = session.New(a.transport, a.controller, a.reporter,
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		a.session.StopRecording(context.Background())
		return nil
	})

	// ── 6. Health endpoints ──────────────────────────────────────────────
	a.health = health.New(
		health.TransportChecker(transportStatus{a.transport}),
		health.CaptureChecker(captureStatus{a.controller}),
	)

	return a, nil
}

// Session returns the session client for interactive use (joining sessions,
// starting and stopping recording).
func (a *App) Session() *session.Client { return a.session }

// Transport returns the realtime transport, mainly for runtime resilience
// tuning via UpdateResilienceConfig.
func (a *App) Transport() *transport.Client { return a.transport }

// Controller returns the capture controller.
func (a *App) Controller() *capture.Controller { return a.controller }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the transport, starts the debug HTTP server (health + metrics)
// and the network monitor, then blocks until ctx is cancelled. The first
// subsystem failure cancels the rest.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Initial connect. Failures schedule reconnection internally, so an
	// error here only means the first attempt did not go through.
	if err := a.transport.Connect(ctx); err != nil {
		slog.Warn("initial connect failed, reconnection scheduled", "err", err)
	}

	if a.cfg.Runtime.HasFlag(config.FlagNetworkMonitor) {
		g.Go(func() error {
			a.transport.MonitorNetwork(ctx, a.cfg.Resilience.NetworkCheckInterval)
			return nil
		})
	}

	srv := a.debugServer()
	g.Go(func() error {
		slog.Info("debug server listening", "addr", a.cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: debug server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("agent running", "environment", a.cfg.Runtime.Environment, "socket_url", a.cfg.Runtime.SocketURL)
	return g.Wait()
}

// debugServer builds the HTTP server exposing health and Prometheus metrics.
func (a *App) debugServer() *http.Server {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Health adapters ─────────────────────────────────────────────────────────

type transportStatus struct {
	c *transport.Client
}

func (t transportStatus) ConnectionStatus() string {
	state := t.c.GetConnectionState()
	switch {
	case state.IsConnected:
		return "connected"
	case state.IsConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

type captureStatus struct {
	c *capture.Controller
}

func (s captureStatus) CaptureStatus() string {
	return string(s.c.GetState().Status)
}
