package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/logging"
	"github.com/scandhq/scand/internal/orchestrate"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
)

func testPools() *config.Pools {
	return &config.Pools{
		Order: []string{"nessus", "nessus-dmz"},
		ByName: map[string][]config.InstanceConfig{
			"nessus": {
				{InstanceID: "nessus-01", Endpoint: "https://n1:8834", MaxConcurrent: 2},
				{InstanceID: "nessus-02", Endpoint: "https://n2:8834", MaxConcurrent: 2},
			},
			"nessus-dmz": {
				{InstanceID: "dmz-01", Endpoint: "https://d1:8834", MaxConcurrent: 1},
			},
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *Server) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	store, err := taskstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("taskstore: %v", err)
	}

	cfg := &config.Config{
		DataDir:             t.TempDir(),
		IdempotencyTTL:      time.Hour,
		EstimateScanMinutes: 15,
	}
	cfg.API.RateLimitPerMinute = 6000
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(testPools(), logging.Nop())
	factory := scanner.NewFactory(logging.Nop())
	orch := orchestrate.New(cfg, store, q, reg, factory, logging.Nop())

	srv := New(cfg, store, q, reg, factory, orch, logging.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
	return m
}

func submitUntrusted(t *testing.T, ts *httptest.Server, body string) map[string]any {
	t.Helper()
	resp, got := postJSON(t, ts.URL+"/api/v1/scans/untrusted", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d (%v)", resp.StatusCode, got)
	}
	return got
}
