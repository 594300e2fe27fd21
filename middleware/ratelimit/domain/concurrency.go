package domain

import (
	"context"
	"errors"
)

// ErrNoSlot indica que não houve vaga para a requisição dentro do prazo.
var ErrNoSlot = errors.New("ratelimit: no in-flight slot available")

// SlotPool limita quantas requisições encaminhadas ficam em voo ao mesmo tempo.
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	// InUse retorna quantas vagas estão ocupadas agora.
	InUse() int
	Cap() int
}
