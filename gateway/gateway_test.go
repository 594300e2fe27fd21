package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dian-gateway/middleware/correlation"
	"dian-gateway/middleware/ratelimit/infra"
	"dian-gateway/proxy"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

type upstream struct {
	srv      *httptest.Server
	lastHost string
	lastCorr string
}

func newUpstream(t *testing.T, healthy bool) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = io.WriteString(w, `{"status":"healthy"}`)
			return
		}
		u.lastHost = r.Host
		u.lastCorr = r.Header.Get(correlation.Header)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func route(t *testing.T, name, prefix, raw string) proxy.Route {
	t.Helper()
	r, err := proxy.ParseRoute(name, prefix, raw)
	if err != nil {
		t.Fatalf("ParseRoute: %v", err)
	}
	return r
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Service == "" {
		cfg.Service, cfg.Version, cfg.Environment = "api_gateway", "1.0.0", "testing"
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(h http.Handler, method, target, remote string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	if remote != "" {
		r.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestChain_OrderIsOutermostFirst(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain{mw("a"), nil, mw("b"), mw("c")}.Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestServer_ProxiesExcel(t *testing.T) {
	excel := newUpstream(t, true)
	s := newTestServer(t, Config{
		Routes:       []proxy.Route{route(t, "excel_service", "/excel", excel.srv.URL)},
		CounterStore: infra.NewMemoryCounterStore(),
		RateLimit:    RateLimitConfig{Enabled: true, Quiet: true},
	})

	w := do(s.Handler(), http.MethodGet, "http://gateway.test/excel/foo", "")
	if w.Code != http.StatusOK || w.Body.String() != `{"ok":true}` {
		t.Fatalf("expected relayed 200 {\"ok\":true}, got %d %q", w.Code, w.Body.String())
	}
	corr := w.Header().Get(correlation.Header)
	if corr == "" || excel.lastCorr != corr {
		t.Fatalf("expected upstream correlation %q to match response %q", excel.lastCorr, corr)
	}
	if excel.lastHost == "gateway.test" {
		t.Fatalf("inbound Host forwarded to upstream")
	}
}

func TestServer_UnreachableUpstreamIs503(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := dead.URL
	dead.Close()

	s := newTestServer(t, Config{
		Routes: []proxy.Route{route(t, "excel_service", "/excel", addr)},
	})
	w := do(s.Handler(), http.MethodPost, "/excel/foo", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"detail":"Service temporarily unavailable"}` {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestServer_RateLimitWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	excel := newUpstream(t, true)
	s := newTestServer(t, Config{
		Routes:       []proxy.Route{route(t, "excel_service", "/excel", excel.srv.URL)},
		CounterStore: infra.NewRedisCounterStore(rdb),
		RateLimit:    RateLimitConfig{Enabled: true, Limit: 60, Window: time.Minute},
	})

	var limited int
	var last *httptest.ResponseRecorder
	for i := 0; i < 61; i++ {
		last = do(s.Handler(), http.MethodGet, "/excel/foo", "203.0.113.9:5000")
		if last.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 1 || last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected only the 61st request limited, got %d limited (last=%d)", limited, last.Code)
	}
	if last.Header().Get(correlation.Header) == "" {
		t.Fatalf("429 must still carry the correlation header")
	}
	if got, _ := mr.Get("rate_limit:203.0.113.9"); got != "60" {
		t.Fatalf("expected counter 60 in redis, got %q", got)
	}
	if ttl := mr.TTL("rate_limit:203.0.113.9"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl within window, got %s", ttl)
	}

	// outro cliente não é afetado
	if w := do(s.Handler(), http.MethodGet, "/excel/foo", "198.51.100.1:5000"); w.Code != http.StatusOK {
		t.Fatalf("expected other client allowed, got %d", w.Code)
	}
}

func TestServer_RateLimitFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	excel := newUpstream(t, true)
	s := newTestServer(t, Config{
		Routes:       []proxy.Route{route(t, "excel_service", "/excel", excel.srv.URL)},
		CounterStore: infra.NewRedisCounterStore(rdb),
		RateLimit:    RateLimitConfig{Enabled: true, Quiet: true},
	})
	if w := do(s.Handler(), http.MethodGet, "/excel/foo", ""); w.Code != http.StatusOK {
		t.Fatalf("expected fail-open 200, got %d", w.Code)
	}
}

func TestServer_HealthDegradedWhenOneServiceDown(t *testing.T) {
	auth := newUpstream(t, true)
	excel := newUpstream(t, false)
	pdf := newUpstream(t, true)

	s := newTestServer(t, Config{
		Routes: []proxy.Route{
			route(t, "auth_service", "/auth", auth.srv.URL),
			route(t, "excel_service", "/excel", excel.srv.URL),
			route(t, "pdf_service", "/pdf", pdf.srv.URL),
		},
		CounterStore:  infra.NewMemoryCounterStore(),
		HealthTimeout: time.Second,
	})

	w := do(s.Handler(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", body.Status)
	}
	want := map[string]string{"redis": "healthy", "auth_service": "healthy", "excel_service": "unhealthy", "pdf_service": "healthy"}
	for k, v := range want {
		if body.Dependencies[k] != v {
			t.Fatalf("dependency %s: expected %s, got %q (all=%v)", k, v, body.Dependencies[k], body.Dependencies)
		}
	}
}

func TestServer_DescriptorAndMetrics(t *testing.T) {
	excel := newUpstream(t, true)
	s := newTestServer(t, Config{
		Routes: []proxy.Route{route(t, "excel_service", "/excel", excel.srv.URL)},
	})

	w := do(s.Handler(), http.MethodGet, "/", "")
	var desc map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &desc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if desc["message"] != DescriptorMessage || desc["version"] != "1.0.0" || desc["health"] != "/health" || desc["metrics"] != "/metrics" {
		t.Fatalf("unexpected descriptor %v", desc)
	}

	do(s.Handler(), http.MethodGet, "/excel/foo", "")

	w = do(s.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	out := w.Body.String()
	for _, want := range []string{
		`http_requests_total{endpoint="/excel/foo",method="GET",status="200"} 1`,
		`http_request_duration_seconds_count{endpoint="/excel/foo",method="GET"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, out)
		}
	}
	if n := testutil.CollectAndCount(s.Registry(), "http_requests_total"); n < 2 {
		t.Fatalf("expected series for / and /excel/foo, got %d", n)
	}
}

func TestServer_TrustedHostAndUnknownRoute(t *testing.T) {
	excel := newUpstream(t, true)
	s := newTestServer(t, Config{
		Routes:       []proxy.Route{route(t, "excel_service", "/excel", excel.srv.URL)},
		AllowedHosts: []string{"localhost", "127.0.0.1", "testserver"},
	})

	if w := do(s.Handler(), http.MethodGet, "http://evil.example/", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for untrusted host, got %d", w.Code)
	}
	if w := do(s.Handler(), http.MethodGet, "http://localhost:8000/", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for trusted host, got %d", w.Code)
	}
	if w := do(s.Handler(), http.MethodGet, "http://localhost/excelsior", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown prefix, got %d", w.Code)
	}
	if w := do(s.Handler(), http.MethodPatch, "http://localhost/excel/foo", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for PATCH, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	excel := newUpstream(t, true)
	s := newTestServer(t, Config{
		Routes:      []proxy.Route{route(t, "excel_service", "/excel", excel.srv.URL)},
		CORSOrigins: []string{"http://localhost:3000"},
	})

	r := httptest.NewRequest(http.MethodOptions, "/excel/foo", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials allowed, got %q", got)
	}
}

func TestServer_RecoversPanicsAs500(t *testing.T) {
	s := newTestServer(t, Config{})
	h := s.chain(nil).Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	if w := do(h, http.MethodGet, "/", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := newTestServer(t, Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestServer_CorrelationHeaderNotDuplicatedByUpstream(t *testing.T) {
	excel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(correlation.Header, "upstream-own-id")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(excel.Close)

	s := newTestServer(t, Config{
		Routes: []proxy.Route{route(t, "excel_service", "/excel", excel.URL)},
	})
	r := httptest.NewRequest(http.MethodGet, "/excel/foo", nil)
	r.Header.Set(correlation.Header, "corr-42")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if got := w.Header().Values(correlation.Header); len(got) != 1 || got[0] != "corr-42" {
		t.Fatalf("expected a single correlation header corr-42, got %q", got)
	}
}

func TestNew_RejectsServiceNamedLikeCounterStore(t *testing.T) {
	for _, storeName := range []string{"", "memory"} {
		name := storeName
		if name == "" {
			name = "redis"
		}
		_, err := New(Config{
			Routes:           []proxy.Route{route(t, name, "/x", "http://x.internal")},
			CounterStoreName: storeName,
			Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("store %q: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestServer_ServeReturnsWhenListenerFails(t *testing.T) {
	s := newTestServer(t, Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = ln.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), ln) }()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected an error from a closed listener")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after the listener failed")
	}
}
