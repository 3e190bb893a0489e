package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
)

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != domain.HealthStatusOK {
		t.Fatalf("unexpected status %v", payload["status"])
	}
}

func TestReadyz(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		system *stubSystemService
		want   int
	}{
		{
			name: "ok",
			system: &stubSystemService{report: domain.HealthReport{
				Status:      domain.HealthStatusOK,
				Checks:      map[string]domain.HealthCheck{"postgres": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond}},
				GeneratedAt: now,
			}},
			want: http.StatusOK,
		},
		{
			name: "degraded cache still ready",
			system: &stubSystemService{report: domain.HealthReport{
				Status:      domain.HealthStatusDegraded,
				Checks:      map[string]domain.HealthCheck{"cache": {Status: domain.HealthStatusError, Detail: "connection refused"}},
				GeneratedAt: now,
			}},
			want: http.StatusOK,
		},
		{
			name: "database down",
			system: &stubSystemService{report: domain.HealthReport{
				Status:      domain.HealthStatusError,
				Checks:      map[string]domain.HealthCheck{"postgres": {Status: domain.HealthStatusError, Detail: "dial tcp: refused"}},
				GeneratedAt: now,
			}},
			want: http.StatusServiceUnavailable,
		},
		{
			name:   "report failure",
			system: &stubSystemService{err: errors.New("boom")},
			want:   http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(WithHealthHandlers(NewHealthHandlers(tc.system)))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}
