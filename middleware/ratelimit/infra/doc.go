// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
//   - RedisCounterStore: contador compartilhado (INCR+EXPIRE em MULTI/EXEC)
//   - MemoryCounterStore: contador local com TTL, para dev/testes
//   - RedisStatsStore / MemoryStatsStore: estatísticas das decisões
//   - NewSlotPool: semáforo para limite de requisições em voo
package infra
