package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Key string

// ErrCounterStoreUnavailable indica falha de comunicação com o contador compartilhado.
var ErrCounterStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// CounterStore é o contador compartilhado entre todas as instâncias do gateway
// (ex: Redis). A aplicação nunca faz read-modify-write: o incremento e a
// expiração são aplicados juntos pela implementação.
type CounterStore interface {
	// Get retorna o valor atual. found=false quando a chave não existe/expirou.
	Get(ctx context.Context, key string) (count int64, found bool, err error)
	// IncrWithExpiry incrementa e (re)define o TTL numa única operação atômica.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// FailurePolicy define o que fazer quando o CounterStore não responde.
type FailurePolicy int

const (
	// FailOpen deixa a requisição passar sem limite (padrão).
	FailOpen FailurePolicy = iota
	// FailClosed rejeita a requisição.
	FailClosed
)

func (p FailurePolicy) String() string {
	switch p {
	case FailClosed:
		return "fail_closed"
	default:
		return "fail_open"
	}
}

// ParseFailurePolicy aceita "fail_open"/"open" e "fail_closed"/"closed".
// Vazio retorna FailOpen.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "fail_open", "open":
		return FailOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("ratelimit: unknown failure policy %q", s)
}

type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonLimited          Reason = "limited"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

type Decision struct {
	Allowed bool
	Reason  Reason

	// Count é o valor do contador após a decisão (0 quando o store falhou).
	Count     int64
	Limit     int64
	Remaining int64

	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}
