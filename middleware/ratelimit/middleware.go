package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"dian-gateway/middleware/correlation"
	"dian-gateway/middleware/ratelimit/application"
	"dian-gateway/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

const (
	MsgRateLimitExceeded  = "Rate limit exceeded"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

type KeyFunc func(r *http.Request) string

// FieldFunc recebe campos extras para a linha de log da requisição
// (ex: accesslog.AddLogField).
type FieldFunc func(r *http.Request, key, value string)

type Options struct {
	Store              domain.CounterStore
	Stats              domain.StatsStore
	Limit              int64
	Window             time.Duration
	KeyPrefix          string
	Policy             domain.FailurePolicy
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RetryAfter         time.Duration

	AddRateLimitHeaders bool

	Logger *slog.Logger
	// Quiet desliga o log de fail-open (ambientes de teste/local).
	Quiet bool
	// LogEvery limita a frequência do log de store indisponível. Padrão 10s.
	LogEvery time.Duration
	OnField  FieldFunc
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware aplica a janela fixa por cliente. Requisição bloqueada nunca
// chega ao próximo handler.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 10 * time.Second
	}

	svc := application.Service{
		Store:      opts.Store,
		Limit:      opts.Limit,
		Window:     opts.Window,
		KeyPrefix:  opts.KeyPrefix,
		Policy:     opts.Policy,
		RetryAfter: opts.RetryAfter,
	}
	storeDownLog := &rate.Sometimes{First: 1, Interval: opts.LogEvery}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)

			dec, err := svc.Decide(r.Context(), domain.Key(key))
			if err != nil && !opts.Quiet {
				storeDownLog.Do(func() {
					opts.Logger.Error("rate limiting error",
						slog.String("error", err.Error()),
						slog.String("policy", opts.Policy.String()),
						slog.String("client", key),
						slog.String("correlation_id", correlation.FromContext(r.Context())),
					)
				})
			}

			if opts.Stats != nil {
				_ = opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     domain.Key(key),
					Allowed: dec.Allowed,
					Reason:  dec.Reason,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      time.Now(),
				})
			}
			if opts.OnField != nil && dec.Reason != "" && dec.Reason != domain.ReasonAllowed {
				opts.OnField(r, "rate_limit", string(dec.Reason))
			}

			if opts.AddRateLimitHeaders && dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", formatInt64(dec.Limit))
				if dec.Reason != domain.ReasonStoreUnavailable {
					w.Header().Set("X-RateLimit-Remaining", formatInt64(dec.Remaining))
				}
			}

			if !dec.Allowed {
				if dec.RetryAfter > 0 {
					w.Header().Set("Retry-After", formatInt(int(dec.RetryAfter.Seconds())))
				}
				if dec.Reason == domain.ReasonLimited {
					if !opts.Quiet {
						opts.Logger.Warn("rate limit exceeded",
							slog.String("client", key),
							slog.String("correlation_id", correlation.FromContext(r.Context())),
						)
					}
					WriteDetail(w, http.StatusTooManyRequests, MsgRateLimitExceeded)
					return
				}
				WriteDetail(w, http.StatusServiceUnavailable, MsgServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteDetail escreve o corpo de erro padrão do gateway: {"detail": "..."}.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
