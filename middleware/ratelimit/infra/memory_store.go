package infra

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore é um contador de janela fixa em memória, com TTL por chave
// e limpeza periódica.
//
// Cada instância do gateway tem o seu próprio contador, então ele só serve para
// desenvolvimento local e testes. Em produção use RedisCounterStore.
type MemoryCounterStore struct {
	mu           sync.Mutex
	entries      map[string]*counterEntry
	cleanupEvery time.Duration
	now          func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type MemoryStoreOption func(*MemoryCounterStore)

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryCounterStore) { s.cleanupEvery = d }
}

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryCounterStore) { s.now = now }
}

func NewMemoryCounterStore(opts ...MemoryStoreOption) *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries:      make(map[string]*counterEntry),
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		return 0, false, nil
	}
	return ent.count, true, nil
}

// IncrWithExpiry segue a semântica de INCR+EXPIRE do Redis: chave expirada
// recomeça em 1 e todo incremento renova o TTL.
func (s *MemoryCounterStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &counterEntry{}
		s.entries[key] = ent
	}
	ent.count++
	ent.expiresAt = now.Add(ttl)
	return ent.count, nil
}

func (s *MemoryCounterStore) Ping(context.Context) error { return nil }

// Len retorna quantas chaves estão guardadas (inclusive expiradas ainda não limpas).
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryCounterStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que remove chaves expiradas periodicamente.
// Pare cancelando o contexto.
func (s *MemoryCounterStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
