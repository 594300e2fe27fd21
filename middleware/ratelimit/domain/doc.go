// Package domain define contratos e tipos de domínio do gateway para rate limit
// (janela fixa sobre um contador compartilhado) e limite de concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e trocar o contador
// (Redis, memória) sem tocar nas regras.
package domain
