package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubConn struct{ status string }

func (s stubConn) ConnectionStatus() string { return s.status }

type stubCapture struct{ status string }

func (s stubCapture) CaptureStatus() string { return s.status }

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()

	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "a", Check: func(context.Context) error { return nil }},
				{Name: "b", Check: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "a", Check: func(context.Context) error { return nil }},
				{Name: "b", Check: func(context.Context) error { return errors.New("down") }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(tt.checkers...)
			rec := httptest.NewRecorder()

			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			if len(body.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v, want %d entries", body.Checks, len(tt.checkers))
			}
		})
	}
}

func TestTransportChecker(t *testing.T) {
	tests := []struct {
		status  string
		wantErr bool
	}{
		{status: "connected", wantErr: false},
		{status: "connecting", wantErr: true},
		{status: "disconnected", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := TransportChecker(stubConn{status: tt.status})
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() with %q = %v, wantErr %v", tt.status, err, tt.wantErr)
			}
		})
	}
}

func TestCaptureChecker(t *testing.T) {
	tests := []struct {
		status  string
		wantErr bool
	}{
		{status: "idle", wantErr: false},
		{status: "starting", wantErr: false},
		{status: "capturing", wantErr: false},
		{status: "error", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := CaptureChecker(stubCapture{status: tt.status})
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() with %q = %v, wantErr %v", tt.status, err, tt.wantErr)
			}
		})
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
