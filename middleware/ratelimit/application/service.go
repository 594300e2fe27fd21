package application

import (
	"context"
	"fmt"
	"time"

	"dian-gateway/middleware/ratelimit/domain"
)

const (
	DefaultLimit     = 60
	DefaultWindow    = 60 * time.Second
	DefaultKeyPrefix = "rate_limit"
)

// Service concentra a regra de janela fixa do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// A janela é controlada só pela expiração da chave no store: rajadas na virada
// da janela podem chegar a 2x o limite nominal.
type Service struct {
	Store     domain.CounterStore
	Limit     int64
	Window    time.Duration
	KeyPrefix string
	Policy    domain.FailurePolicy
	// RetryAfter padrão é a própria janela.
	RetryAfter time.Duration
}

func (s Service) withDefaults() Service {
	if s.Limit <= 0 {
		s.Limit = DefaultLimit
	}
	if s.Window <= 0 {
		s.Window = DefaultWindow
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = DefaultKeyPrefix
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = s.Window
	}
	return s
}

// StorageKey monta a chave usada no store: "{prefix}:{client}".
func (s Service) StorageKey(key domain.Key) string {
	return s.withDefaults().KeyPrefix + ":" + string(key)
}

// Decide consulta o contador e, se ainda houver espaço, incrementa.
//
// O erro retornado é sempre ErrCounterStoreUnavailable (embrulhado) e vem
// acompanhado de uma decisão já resolvida pela FailurePolicy: o chamador só
// precisa registrá-lo.
func (s Service) Decide(ctx context.Context, key domain.Key) (domain.Decision, error) {
	if s.Store == nil {
		return domain.Decision{Allowed: true, Reason: domain.ReasonAllowed}, nil
	}
	s = s.withDefaults()
	storageKey := s.StorageKey(key)

	count, found, err := s.Store.Get(ctx, storageKey)
	if err != nil {
		return s.unavailable(err)
	}
	if found && count >= s.Limit {
		return domain.Decision{
			Allowed:    false,
			Reason:     domain.ReasonLimited,
			Count:      count,
			Limit:      s.Limit,
			RetryAfter: s.RetryAfter,
		}, nil
	}

	count, err = s.Store.IncrWithExpiry(ctx, storageKey, s.Window)
	if err != nil {
		return s.unavailable(err)
	}

	remaining := s.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return domain.Decision{
		Allowed:   true,
		Reason:    domain.ReasonAllowed,
		Count:     count,
		Limit:     s.Limit,
		Remaining: remaining,
	}, nil
}

func (s Service) unavailable(cause error) (domain.Decision, error) {
	err := fmt.Errorf("%w: %w", domain.ErrCounterStoreUnavailable, cause)
	dec := domain.Decision{
		Allowed: s.Policy != domain.FailClosed,
		Reason:  domain.ReasonStoreUnavailable,
		Limit:   s.Limit,
	}
	if !dec.Allowed {
		dec.RetryAfter = s.RetryAfter
	}
	return dec, err
}
