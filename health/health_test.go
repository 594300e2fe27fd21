package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeChecker struct {
	name  string
	err   error
	delay time.Duration
}

func (f fakeChecker) Name() string { return f.name }

func (f fakeChecker) Check(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregator_AllHealthy(t *testing.T) {
	a := &Aggregator{
		Checkers: []Checker{
			fakeChecker{name: "redis"},
			fakeChecker{name: "auth_service"},
			fakeChecker{name: "excel_service"},
			fakeChecker{name: "pdf_service"},
		},
		Logger: quietLogger(),
	}
	rep := a.Check(context.Background())
	if rep.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", rep.Status)
	}
	if len(rep.Dependencies) != 4 {
		t.Fatalf("expected 4 dependencies, got %v", rep.Dependencies)
	}
}

func TestAggregator_OneDownIsDegraded(t *testing.T) {
	a := &Aggregator{
		Checkers: []Checker{
			fakeChecker{name: "redis"},
			fakeChecker{name: "auth_service"},
			fakeChecker{name: "excel_service", err: errors.New("boom")},
			fakeChecker{name: "pdf_service"},
		},
		Logger: quietLogger(),
	}
	rep := a.Check(context.Background())
	if rep.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", rep.Status)
	}
	for _, name := range []string{"redis", "auth_service", "excel_service", "pdf_service"} {
		if _, ok := rep.Dependencies[name]; !ok {
			t.Fatalf("missing dependency %q in %v", name, rep.Dependencies)
		}
	}
	if rep.Dependencies["excel_service"] != StatusUnhealthy {
		t.Fatalf("expected excel_service unhealthy, got %s", rep.Dependencies["excel_service"])
	}
	if rep.Dependencies["redis"] != StatusHealthy {
		t.Fatalf("expected redis healthy, got %s", rep.Dependencies["redis"])
	}
}

func TestAggregator_SlowCheckIsBounded(t *testing.T) {
	a := &Aggregator{
		Checkers: []Checker{
			fakeChecker{name: "a", delay: 5 * time.Second},
			fakeChecker{name: "b", delay: 5 * time.Second},
			fakeChecker{name: "c"},
		},
		Timeout: 50 * time.Millisecond,
		Logger:  quietLogger(),
	}
	start := time.Now()
	rep := a.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("health check took %s, expected it bounded by the timeout", elapsed)
	}
	if rep.Status != StatusDegraded || rep.Dependencies["a"] != StatusUnhealthy || rep.Dependencies["c"] != StatusHealthy {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestHTTPChecker(t *testing.T) {
	var gotPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	if err := NewHTTPChecker("up", up.URL+"/", up.Client()).Check(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	if gotPath != "/health" {
		t.Fatalf("expected /health probe, got %q", gotPath)
	}
	if err := NewHTTPChecker("down", down.URL, down.Client()).Check(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy for 500, got %v", err)
	}

	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := closed.URL
	closed.Close()
	if err := NewHTTPChecker("gone", addr, nil).Check(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy for connection error, got %v", err)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("redis", pingFunc(func(context.Context) error { return nil }))
	if ok.Name() != "redis" || ok.Check(context.Background()) != nil {
		t.Fatalf("expected healthy redis checker")
	}
	bad := NewPingChecker("redis", pingFunc(func(context.Context) error { return errors.New("refused") }))
	if err := bad.Check(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
}

func TestHandler_WritesReport(t *testing.T) {
	a := &Aggregator{
		Service:     "api_gateway",
		Version:     "1.0.0",
		Environment: "testing",
		Checkers:    []Checker{fakeChecker{name: "redis", err: errors.New("down")}},
		Logger:      quietLogger(),
		Now:         func() time.Time { return time.Unix(1700000000, 500_000_000) },
	}
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even when degraded, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "degraded" || body["service"] != "api_gateway" || body["version"] != "1.0.0" || body["environment"] != "testing" {
		t.Fatalf("unexpected body: %v", body)
	}
	if ts, _ := body["timestamp"].(float64); ts != 1700000000.5 {
		t.Fatalf("expected fractional unix timestamp, got %v", body["timestamp"])
	}
	deps, _ := body["dependencies"].(map[string]any)
	if deps["redis"] != "unhealthy" {
		t.Fatalf("expected redis unhealthy, got %v", deps)
	}
}
