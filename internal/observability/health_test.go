package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", status.Status)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]HealthCheckFunc
		wantCode int
		wantBody string
	}{
		{
			name:     "no checks",
			checks:   nil,
			wantCode: http.StatusOK,
			wantBody: "ready",
		},
		{
			name: "all healthy",
			checks: map[string]HealthCheckFunc{
				"event_log": func(context.Context) error { return nil },
			},
			wantCode: http.StatusOK,
			wantBody: "ready",
		},
		{
			name: "one unhealthy",
			checks: map[string]HealthCheckFunc{
				"event_log": func(context.Context) error { return errors.New("connection refused") },
				"other":     func(context.Context) error { return nil },
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected code %d, got %d", tt.wantCode, rec.Code)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if status.Status != tt.wantBody {
				t.Errorf("Expected status '%s', got '%s'", tt.wantBody, status.Status)
			}
			for name, dep := range status.Dependencies {
				if dep.Status == "unhealthy" && dep.Message == "" {
					t.Errorf("Expected a message for unhealthy dependency %s", name)
				}
			}
		})
	}
}
