package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/likesync/likesync/db"
	"github.com/likesync/likesync/metrics"
	"github.com/likesync/likesync/tools"
)

type stubLister struct{}

func (stubLister) ListLikes(ctx context.Context, handle string) ([]string, error) {
	return nil, nil
}

func newTestApp(t *testing.T) *application {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.NewCollector(registry).RecordSync("nothing_new")

	return &application{
		database: database,
		lister:   tools.NewBreakerLister(stubLister{}, 3, time.Minute),
		registry: registry,
	}
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" || body["lister"] != "closed" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestHealthzDatabaseDown(t *testing.T) {
	app := newTestApp(t)
	app.database.Close()

	rec := httptest.NewRecorder()
	app.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `likesync_sync_runs_total{outcome="nothing_new"} 1`) {
		t.Errorf("Expected sync counter in metrics output, got:\n%s", body)
	}
}

func TestRecoverPanic(t *testing.T) {
	handler := recoverPanic(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

type fakeServer struct {
	mu       sync.Mutex
	listen   chan error
	shutdown bool
}

func (f *fakeServer) ListenAndServe() error {
	return <-f.listen
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	f.listen <- http.ErrServerClosed
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	server := &fakeServer{listen: make(chan error, 1)}
	svc := newHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if !server.shutdown {
		t.Error("Expected server to be shut down")
	}
}

func TestHTTPServiceReportsListenError(t *testing.T) {
	server := &fakeServer{listen: make(chan error, 1)}
	server.listen <- errors.New("address already in use")

	err := newHTTPService(server, time.Second).Serve(context.Background())
	if err == nil || !strings.Contains(err.Error(), "address already in use") {
		t.Errorf("Expected listen error, got %v", err)
	}
}
