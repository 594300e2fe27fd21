package gateway

import "net/http"

// Chain é uma lista ordenada de middlewares. O índice 0 é o mais externo:
// vê a requisição primeiro e a resposta por último.
type Chain []func(http.Handler) http.Handler

func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i] != nil {
			h = c[i](h)
		}
	}
	return h
}
