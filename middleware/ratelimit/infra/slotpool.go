package infra

import (
	"context"
	"sync"

	"dian-gateway/middleware/ratelimit/domain"
)

// slotPool é um semáforo baseado em channel para requisições em voo.
type slotPool struct {
	sem chan struct{}
}

// NewSlotPool cria um pool com capacidade `max`.
func NewSlotPool(max int) domain.SlotPool {
	return &slotPool{sem: make(chan struct{}, max)}
}

func (p *slotPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-p.sem }) }, true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *slotPool) InUse() int { return len(p.sem) }
func (p *slotPool) Cap() int   { return cap(p.sem) }
