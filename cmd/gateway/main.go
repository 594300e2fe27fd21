package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dian-gateway/gateway"
	"dian-gateway/middleware/ratelimit"
	"dian-gateway/middleware/ratelimit/domain"
	"dian-gateway/middleware/ratelimit/infra"
	"dian-gateway/telemetry"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath())
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	level, _ := cfg.logLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", cfg.Service.Name))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	routes, err := cfg.routes()
	if err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Service.Name, cfg.Service.Version, nil, logger)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	var (
		store     domain.CounterStore
		storeName string
		stats     domain.StatsStore
	)
	switch cfg.CounterStore {
	case "memory":
		mem := infra.NewMemoryCounterStore()
		mem.StartJanitor(ctx)
		store, storeName = mem, "memory"
		if cfg.RateLimit.Stats.Enabled {
			stats = infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.RateLimit.Stats.TrackKeys))
		}
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		defer func() { _ = rdb.Close() }()

		// Redis fora do ar não impede a subida: o rate limit falha aberto
		// e o /health mostra a dependência como unhealthy.
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed", slog.String("addr", cfg.Redis.Addr), slog.String("error", err.Error()))
		} else {
			logger.Info("redis connected", slog.String("addr", cfg.Redis.Addr))
		}
		cancel()

		store, storeName = infra.NewRedisCounterStore(rdb), "redis"
		if cfg.RateLimit.Stats.Enabled {
			stats = infra.NewRedisStatsStore(
				rdb,
				infra.WithStatsPrefix(cfg.RateLimit.Stats.Prefix),
				infra.WithStatsTTL(cfg.RateLimit.Stats.TTL),
				infra.WithStatsBucket(cfg.RateLimit.Stats.Bucket),
				infra.WithStatsTrackKeys(cfg.RateLimit.Stats.TrackKeys),
			)
		}
	}

	srv, err := gateway.New(gateway.Config{
		Addr:             cfg.Server.Addr,
		Service:          cfg.Service.Name,
		Version:          cfg.Service.Version,
		Environment:      cfg.Service.Environment,
		Routes:           routes,
		CounterStore:     store,
		CounterStoreName: storeName,
		Stats:            stats,
		RateLimit: gateway.RateLimitConfig{
			Enabled:            cfg.RateLimit.Enabled,
			Limit:              cfg.RateLimit.RequestsPerMinute,
			Window:             cfg.RateLimit.Window,
			KeyPrefix:          cfg.RateLimit.KeyPrefix,
			Policy:             cfg.policy(),
			KeyHeader:          cfg.RateLimit.KeyHeader,
			TrustXForwardedFor: cfg.RateLimit.TrustXFF,
			AddHeaders:         cfg.RateLimit.AddHeaders,
			Quiet:              cfg.quiet(),
		},
		Concurrency: ratelimit.ConcurrencyOptions{
			Max:            cfg.Concurrency.Max,
			AcquireTimeout: cfg.Concurrency.Timeout,
		},
		CORSOrigins:   cfg.CORS.Origins,
		AllowedHosts:  cfg.Hosts.Allowed,
		ProxyTimeout:  cfg.Proxy.Timeout,
		HealthTimeout: cfg.Health.Timeout,
		Tracing:       cfg.Telemetry.Enabled,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("gateway starting",
		slog.String("environment", cfg.Service.Environment),
		slog.String("version", cfg.Service.Version),
		slog.Int("routes", len(routes)),
	)
	for _, r := range routes {
		logger.Info("route", slog.String("service", r.Name), slog.String("prefix", r.Prefix), slog.String("target", r.Target.String()))
	}
	logger.Info("rate limit",
		slog.Bool("enabled", cfg.RateLimit.Enabled),
		slog.Int64("requests_per_minute", cfg.RateLimit.RequestsPerMinute),
		slog.Duration("window", cfg.RateLimit.Window),
		slog.String("store", storeName),
		slog.String("failure_policy", cfg.policy().String()),
		slog.Bool("stats", stats != nil),
	)

	return srv.Start(ctx)
}
