// Package application contém os casos de uso do rate limit do gateway
// (janela fixa com política de falha) e do limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(ctx, key) retorna uma Decision (allow/deny + motivo).
package application
