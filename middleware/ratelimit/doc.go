// Package ratelimit fornece adapters HTTP (net/http) para o rate limit do
// gateway e para o limite de requisições em voo.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos (CounterStore, FailurePolicy, Decision)
//   - application: casos de uso (janela fixa, acquire/timeout) sem net/http
//   - infra: implementações concretas (Redis, memória, semáforo)
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (header/XFF/IP)
//  2. Lê rate_limit:{cliente}; se já chegou no limite responde 429
//  3. Senão, INCR+EXPIRE atômico e segue para o próximo handler
//  4. Se o Redis cair, a FailurePolicy decide (padrão: deixa passar)
package ratelimit
