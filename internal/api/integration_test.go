package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agent-js-sandbox/internal/config"
	"agent-js-sandbox/internal/sandbox"
)

// setupTestServer serves the full middleware chain over a real executor.
func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Security.AllowUnauthenticated = true
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 1000
	cfg.Pool.Enabled = false

	backend, err := sandbox.NewBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	srv := NewServer(cfg, backend, Deps{})
	t.Cleanup(srv.limiter.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postExecute(t *testing.T, url, body string) (*http.Response, ExecutionResponse) {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url+"/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out ExecutionResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp, out
}

func TestE2E_Execute(t *testing.T) {
	ts := setupTestServer(t)

	resp, out := postExecute(t, ts.URL, `{"code":"console.log('hi'); const xs = await Promise.all([1, 2].map(async n => n * 10)); return {xs}"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if out.Status != sandbox.StatusSuccess {
		t.Fatalf("status = %q, error = %+v", out.Status, out.Error)
	}
	if string(out.ReturnedValue) != `{"xs":[10,20]}` {
		t.Errorf("returned_value = %s", out.ReturnedValue)
	}
	if len(out.ConsoleOutput) != 1 || out.ConsoleOutput[0] != "hi" {
		t.Errorf("console_output = %v", out.ConsoleOutput)
	}
	if out.Stats == nil || out.Stats.WallTimeMS <= 0 {
		t.Errorf("stats = %+v", out.Stats)
	}
}

func TestE2E_ErrorKinds(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body string
		want sandbox.ErrorKind
	}{
		{"syntax", `{"code":"return {"}`, sandbox.KindSyntaxError},
		{"reference", `{"code":"return missing + 1"}`, sandbox.KindReferenceError},
		{"type", `{"code":"null.x"}`, sandbox.KindTypeError},
		{"timeout", `{"code":"while (true) {}","timeout":"100ms"}`, sandbox.KindTimeoutError},
		{"thrown", `{"code":"throw new Error('custom')"}`, sandbox.KindExecutionError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postExecute(t, ts.URL, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("got status %d, want 200", resp.StatusCode)
			}
			if out.Status != sandbox.StatusFailure || out.Error == nil {
				t.Fatalf("response = %+v, want failure", out)
			}
			if out.Error.Kind != tt.want {
				t.Errorf("kind = %s, want %s (message %q)", out.Error.Kind, tt.want, out.Error.Message)
			}
		})
	}
}

func TestE2E_LimitsAboveMaximum(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := postExecute(t, ts.URL, `{"code":"return 1","memory_mb":999999}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", resp.StatusCode)
	}
}

func TestE2E_StreamAndKill(t *testing.T) {
	ts := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/execute/stream",
		strings.NewReader(`{"code":"console.log('started'); for (;;) {}","timeout":"8s"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	id := resp.Header.Get("X-Execution-ID")
	if id == "" {
		t.Fatal("missing X-Execution-ID header")
	}

	scanner := bufio.NewScanner(resp.Body)
	waitFor := func(prefix string) string {
		t.Helper()
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, prefix) {
				return line
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}

	waitFor("data: started")

	killReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/executions/"+id, nil)
	killResp, err := http.DefaultClient.Do(killReq)
	if err != nil {
		t.Fatalf("kill request failed: %v", err)
	}
	killResp.Body.Close()
	if killResp.StatusCode != http.StatusAccepted {
		t.Fatalf("kill: got status %d, want 202", killResp.StatusCode)
	}

	waitFor("event: error")
	if data := waitFor("data: "); !strings.Contains(data, "EXECUTION_KILLED") {
		t.Errorf("error event = %q, want EXECUTION_KILLED", data)
	}
}

func TestE2E_KillUnknown(t *testing.T) {
	ts := setupTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/executions/does-not-exist", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want 404", resp.StatusCode)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := setupTestServer(t)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Post(ts.URL+"/execute", "application/json", bytes.NewReader([]byte(`{"code":"return 1"}`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/execute", bytes.NewReader([]byte(`{"code":"return 1"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "test-id-123")

	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "test-id-123" {
		t.Errorf("expected echoed request ID 'test-id-123', got %q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(ts.URL + "/execute")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
