// Package correlation atribui e propaga o X-Correlation-ID de cada requisição.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header é o header usado na entrada, na resposta e nas chamadas aos serviços.
const Header = "X-Correlation-ID"

type contextKey struct{}

// Middleware lê o Header da requisição ou gera um UUID novo quando ausente.
// O header de resposta é definido antes de chamar o próximo handler, então
// respostas de curto-circuito (429, 503, 400) também o carregam.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(Header))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retorna "" quando o middleware não rodou.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
