// Package health agrega o estado do contador compartilhado e dos serviços
// de backend em um único relatório.
//
// O relatório é calculado a cada chamada, nunca cacheado. Dependência fora
// do ar rebaixa o gateway para "degraded", mas ele continua atendendo.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const DefaultTimeout = 5 * time.Second

type Report struct {
	Status       Status            `json:"status"`
	Service      string            `json:"service"`
	Version      string            `json:"version"`
	Environment  string            `json:"environment"`
	Dependencies map[string]Status `json:"dependencies"`
	// Timestamp em segundos Unix, com fração.
	Timestamp float64 `json:"timestamp"`
}

type Aggregator struct {
	Service     string
	Version     string
	Environment string
	Checkers    []Checker
	// Timeout de cada checagem individual. Padrão DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Check roda todas as checagens em paralelo, cada uma com seu próprio
// timeout, sem retry.
func (a *Aggregator) Check(ctx context.Context) Report {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var mu sync.Mutex
	deps := make(map[string]Status, len(a.Checkers))
	for _, c := range a.Checkers {
		deps[c.Name()] = StatusUnhealthy
	}

	// nenhuma goroutine retorna erro: uma falha não cancela as demais.
	var g errgroup.Group
	for _, c := range a.Checkers {
		c := c
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := StatusHealthy
			if err := c.Check(cctx); err != nil {
				st = StatusUnhealthy
				logger.Warn("health check failed",
					slog.String("dependency", c.Name()),
					slog.String("error", err.Error()),
				)
			}
			mu.Lock()
			deps[c.Name()] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, st := range deps {
		if st != StatusHealthy {
			overall = StatusDegraded
			break
		}
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return Report{
		Status:       overall,
		Service:      a.Service,
		Version:      a.Version,
		Environment:  a.Environment,
		Dependencies: deps,
		Timestamp:    float64(now().UnixNano()) / float64(time.Second),
	}
}

// Handler responde sempre 200; o estado vai no corpo.
func (a *Aggregator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := a.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(rep)
	})
}
