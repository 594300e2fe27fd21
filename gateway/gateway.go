// Package gateway monta o servidor HTTP: a cadeia de middlewares em ordem
// fixa na frente do roteador, as rotas de proxy e as rotas /, /health e
// /metrics.
//
// Ordem: correlation -> accesslog -> recoverer -> hostcheck -> CORS ->
// ratelimit -> (otelhttp) -> roteador.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"dian-gateway/health"
	"dian-gateway/middleware/accesslog"
	"dian-gateway/middleware/correlation"
	"dian-gateway/middleware/hostcheck"
	"dian-gateway/middleware/ratelimit"
	"dian-gateway/middleware/ratelimit/domain"
	"dian-gateway/proxy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DescriptorMessage = "DIAN Compliance Platform - API Gateway"

var ErrInvalidConfig = errors.New("gateway: invalid config")

var proxyMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

type RateLimitConfig struct {
	Enabled            bool
	Limit              int64
	Window             time.Duration
	KeyPrefix          string
	Policy             domain.FailurePolicy
	KeyHeader          string
	TrustXForwardedFor bool
	AddHeaders         bool
	// Quiet silencia o log de fail-open (ambientes de teste/local).
	Quiet bool
}

type Config struct {
	Addr        string
	Service     string
	Version     string
	Environment string

	Routes []proxy.Route

	// CounterStore é compartilhado entre o rate limit e o /health.
	CounterStore     domain.CounterStore
	CounterStoreName string
	Stats            domain.StatsStore
	RateLimit        RateLimitConfig
	Concurrency      ratelimit.ConcurrencyOptions

	CORSOrigins  []string
	AllowedHosts []string

	ProxyTimeout  time.Duration
	HealthTimeout time.Duration

	// Transport de saída; nil cria um proxy.NewTransport.
	Transport http.RoundTripper
	Tracing   bool

	Logger *slog.Logger
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	health   *health.Aggregator
	handler  http.Handler
	srv      *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CounterStoreName == "" {
		cfg.CounterStoreName = "redis"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}

	table, err := proxy.NewTable(cfg.Routes...)
	if err != nil {
		return nil, err
	}
	// o nome do store é uma entrada do /health; um serviço homônimo a
	// sobrescreveria.
	for _, rt := range table.Routes() {
		if rt.Name == cfg.CounterStoreName {
			return nil, fmt.Errorf("%w: service %q clashes with the counter store health entry", ErrInvalidConfig, rt.Name)
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = proxy.NewTransport(0)
	}
	if cfg.Tracing {
		transport = otelhttp.NewTransport(transport)
	}
	// um único client/pool para proxy e health checks
	client := &http.Client{Transport: transport}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := accesslog.NewMetrics(reg)

	s := &Server{cfg: cfg, logger: cfg.Logger, registry: reg}
	s.health = newAggregator(cfg, table, client)

	forwarder := proxy.NewForwarder(table, proxy.Options{
		Transport: transport,
		Timeout:   cfg.ProxyTimeout,
		Logger:    cfg.Logger,
	})

	s.handler = s.chain(metrics).Then(s.router(table, forwarder))
	return s, nil
}

func newAggregator(cfg Config, table *proxy.Table, client *http.Client) *health.Aggregator {
	checkers := []health.Checker{health.NewPingChecker(cfg.CounterStoreName, cfg.CounterStore)}
	for _, rt := range table.Routes() {
		checkers = append(checkers, health.NewHTTPChecker(rt.Name, rt.Target.String(), client))
	}
	return &health.Aggregator{
		Service:     cfg.Service,
		Version:     cfg.Version,
		Environment: cfg.Environment,
		Checkers:    checkers,
		Timeout:     cfg.HealthTimeout,
		Logger:      cfg.Logger,
	}
}

func (s *Server) chain(metrics *accesslog.Metrics) Chain {
	c := Chain{
		correlation.Middleware,
		accesslog.Middleware(s.logger, metrics),
		middleware.Recoverer,
		hostcheck.Middleware(s.cfg.AllowedHosts),
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{correlation.Header, "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	}
	if rl := s.cfg.RateLimit; rl.Enabled {
		c = append(c, ratelimit.Middleware(ratelimit.Options{
			Store:               s.cfg.CounterStore,
			Stats:               s.cfg.Stats,
			Limit:               rl.Limit,
			Window:              rl.Window,
			KeyPrefix:           rl.KeyPrefix,
			Policy:              rl.Policy,
			KeyHeader:           rl.KeyHeader,
			TrustXForwardedFor:  rl.TrustXForwardedFor,
			AddRateLimitHeaders: rl.AddHeaders,
			Logger:              s.logger,
			Quiet:               rl.Quiet,
			OnField: func(r *http.Request, key, value string) {
				accesslog.AddLogField(r.Context(), key, value)
			},
		}))
	}
	if s.cfg.Tracing {
		c = append(c, func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, s.cfg.Service)
		})
	}
	return c
}

func (s *Server) router(table *proxy.Table, forwarder http.Handler) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
	})

	r.Get("/", s.descriptor)
	r.Method(http.MethodGet, "/health", s.health.Handler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	upstream := ratelimit.ConcurrencyMiddleware(s.cfg.Concurrency)(forwarder)
	for _, rt := range table.Routes() {
		for _, m := range proxyMethods {
			r.Method(m, rt.Prefix, upstream)
			r.Method(m, rt.Prefix+"/*", upstream)
		}
		s.logger.Debug("registered route",
			slog.String("service", rt.Name),
			slog.String("prefix", rt.Prefix),
			slog.String("target", rt.Target.String()),
		)
	}
	return r
}

func (s *Server) descriptor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":     DescriptorMessage,
		"version":     s.cfg.Version,
		"environment": s.cfg.Environment,
		"health":      "/health",
		"metrics":     "/metrics",
	})
}

// Handler é a cadeia completa; útil em testes com httptest.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Registry() *prometheus.Registry { return s.registry }

func (s *Server) Health() *health.Aggregator { return s.health }

// Start escuta em cfg.Addr e bloqueia até ctx ser cancelado, quando faz o
// shutdown gracioso.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// cancelado também quando Serve falha, para a goroutine de shutdown sair.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))
	err := s.srv.Serve(ln)
	cancel()
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
