package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agent-js-sandbox/internal/config"
	"agent-js-sandbox/internal/monitor"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"test-key"}
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 1000
	return cfg
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(testConfig(), &mockBackend{active: 3}, Deps{})
	defer srv.limiter.Stop()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || !resp.Backend || resp.ActiveExecutions != 3 {
		t.Errorf("health = %+v", resp)
	}
}

func TestServer_HealthDegraded(t *testing.T) {
	srv := NewServer(testConfig(), &mockBackend{}, Deps{Store: &fakeStore{healthy: false}})
	defer srv.limiter.Stop()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestServer_MetricsBypassAuth(t *testing.T) {
	metrics := monitor.NewMetrics()
	srv := NewServer(testConfig(), &mockBackend{}, Deps{Metrics: metrics})
	defer srv.limiter.Stop()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jsbox_") {
		t.Error("metrics output lacks jsbox namespace")
	}
}

func TestServer_ExecuteRequiresAuth(t *testing.T) {
	srv := NewServer(testConfig(), &mockBackend{result: okResult("1")}, Deps{})
	defer srv.limiter.Stop()

	body := `{"code":"return 1"}`

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: got status %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	req.Header.Set("X-API-Key", "test-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: got status %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}
