package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seshat-labs/seshat-capture/internal/config"
	"github.com/seshat-labs/seshat-capture/internal/transport"
	"github.com/seshat-labs/seshat-capture/pkg/media/mock"
)

// refusingDialer keeps the transport offline so tests never touch the network.
type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func offlineTransport(cfg *config.Config) *transport.Client {
	return transport.New(cfg.Runtime.SocketURL,
		transport.WithDialer(refusingDialer{}),
		transport.WithOnlineProber(func(context.Context) bool { return true }),
	)
}

func TestNewWiresSubsystems(t *testing.T) {
	cfg := config.Default()
	a, err := New(cfg,
		WithEnvironment(&mock.Environment{Secure: true, Devices: &mock.DeviceAccess{}}),
		WithTransport(offlineTransport(cfg)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.Session() == nil || a.Transport() == nil || a.Controller() == nil {
		t.Error("subsystem accessors returned nil")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Safe to call again.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) succeeded, want error")
	}
}

func TestDebugServerServesHealthAndMetrics(t *testing.T) {
	cfg := config.Default()
	a, err := New(cfg,
		WithEnvironment(&mock.Environment{Secure: true, Devices: &mock.DeviceAccess{}}),
		WithTransport(offlineTransport(cfg)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	srv := a.debugServer()

	tests := []struct {
		path string
		want int
	}{
		{path: "/healthz", want: http.StatusOK},
		// The transport is disconnected, so readiness fails.
		{path: "/readyz", want: http.StatusServiceUnavailable},
		{path: "/metrics", want: http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}
