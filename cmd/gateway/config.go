package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"dian-gateway/middleware/ratelimit/domain"
	"dian-gateway/proxy"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GATEWAY_"

type config struct {
	Server       serverConfig             `koanf:"server"`
	Service      serviceInfo              `koanf:"service"`
	Log          logConfig                `koanf:"log"`
	Redis        redisConfig              `koanf:"redis"`
	CounterStore string                   `koanf:"counter_store"`
	Services     map[string]serviceConfig `koanf:"services"`
	CORS         corsConfig               `koanf:"cors"`
	Hosts        hostsConfig              `koanf:"hosts"`
	RateLimit    rateLimitConfig          `koanf:"ratelimit"`
	Concurrency  concurrencyConfig        `koanf:"concurrency"`
	Proxy        timeoutConfig            `koanf:"proxy"`
	Health       timeoutConfig            `koanf:"health"`
	Telemetry    telemetryConfig          `koanf:"telemetry"`
}

type serverConfig struct {
	Addr string `koanf:"addr"`
}

type serviceInfo struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
}

type logConfig struct {
	Level string `koanf:"level"`
}

type redisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type serviceConfig struct {
	Prefix string `koanf:"prefix"`
	URL    string `koanf:"url"`
}

type corsConfig struct {
	Origins []string `koanf:"origins"`
}

type hostsConfig struct {
	Allowed []string `koanf:"allowed"`
}

type rateLimitConfig struct {
	Enabled           bool          `koanf:"enabled"`
	RequestsPerMinute int64         `koanf:"requests_per_minute"`
	Window            time.Duration `koanf:"window"`
	KeyPrefix         string        `koanf:"key_prefix"`
	FailurePolicy     string        `koanf:"failure_policy"`
	KeyHeader         string        `koanf:"key_header"`
	TrustXFF          bool          `koanf:"trust_xff"`
	AddHeaders        bool          `koanf:"add_headers"`
	Stats             statsConfig   `koanf:"stats"`
}

type statsConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Prefix    string        `koanf:"prefix"`
	TTL       time.Duration `koanf:"ttl"`
	Bucket    string        `koanf:"bucket"`
	TrackKeys bool          `koanf:"track_keys"`
}

type concurrencyConfig struct {
	Max     int           `koanf:"max"`
	Timeout time.Duration `koanf:"timeout"`
}

type timeoutConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type telemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.addr":         ":8000",
	"service.name":        "api_gateway",
	"service.version":     "1.0.0",
	"service.environment": "development",
	"log.level":           "info",

	"redis.addr":         "redis:6379",
	"redis.db":           0,
	"redis.dial_timeout": "2s",
	"counter_store":      "redis",

	"services.auth_service.prefix":            "/auth",
	"services.auth_service.url":               "http://auth_service:8001",
	"services.dian_processing_service.prefix": "/dian",
	"services.dian_processing_service.url":    "http://dian_processing_service:8002",
	"services.excel_service.prefix":           "/excel",
	"services.excel_service.url":              "http://excel_service:8003",
	"services.pdf_service.prefix":             "/pdf",
	"services.pdf_service.url":                "http://pdf_service:8004",

	"cors.origins":  "http://localhost:3000,http://localhost:8000",
	"hosts.allowed": "localhost,127.0.0.1,testserver",

	"ratelimit.enabled":             true,
	"ratelimit.requests_per_minute": 60,
	"ratelimit.window":              "60s",
	"ratelimit.key_prefix":          "rate_limit",
	"ratelimit.failure_policy":      "fail_open",
	"ratelimit.trust_xff":           false,
	"ratelimit.add_headers":         false,
	"ratelimit.stats.enabled":       false,
	"ratelimit.stats.prefix":        "rate_limit:stats",
	"ratelimit.stats.ttl":           "24h",
	"ratelimit.stats.bucket":        "minute",
	"ratelimit.stats.track_keys":    false,

	"concurrency.max":     0,
	"concurrency.timeout": "0s",
	"proxy.timeout":       "30s",
	"health.timeout":      "5s",
	"telemetry.enabled":   false,
}

// configPath usa GATEWAY_CONFIG; arquivo ausente não é erro.
func configPath() string {
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		return p
	}
	return "gateway.yaml"
}

// loadConfig aplica, em ordem: padrões, arquivo YAML e variáveis GATEWAY_*
// ("__" separa níveis: GATEWAY_RATELIMIT__REQUESTS_PER_MINUTE=120).
func loadConfig(path string) (config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return config{}, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return config{}, err
	}

	var cfg config
	if err := k.Unmarshal("", &cfg); err != nil {
		return config{}, err
	}
	cfg.CORS.Origins = cleanList(cfg.CORS.Origins)
	cfg.Hosts.Allowed = cleanList(cfg.Hosts.Allowed)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("ratelimit.requests_per_minute must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.window must be > 0")
	}
	if _, err := domain.ParseFailurePolicy(c.RateLimit.FailurePolicy); err != nil {
		return err
	}
	switch c.CounterStore {
	case "redis", "memory":
	default:
		return fmt.Errorf("counter_store must be redis or memory, got %q", c.CounterStore)
	}
	if c.CounterStore == "redis" && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when counter_store=redis")
	}
	if c.Concurrency.Max < 0 {
		return errors.New("concurrency.max must be >= 0")
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	if _, err := c.routes(); err != nil {
		return err
	}
	return nil
}

// routes monta a tabela em ordem de nome para o log de inicialização ser
// estável.
func (c config) routes() ([]proxy.Route, error) {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]proxy.Route, 0, len(names))
	for _, name := range names {
		svc := c.Services[name]
		r, err := proxy.ParseRoute(name, svc.Prefix, svc.URL)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one service must be configured")
	}
	return out, nil
}

func (c config) logLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

func (c config) policy() domain.FailurePolicy {
	p, _ := domain.ParseFailurePolicy(c.RateLimit.FailurePolicy)
	return p
}

// quiet: nesses ambientes o fail-open do rate limit não gera log.
func (c config) quiet() bool {
	switch strings.ToLower(c.Service.Environment) {
	case "testing", "local":
		return true
	}
	return false
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
