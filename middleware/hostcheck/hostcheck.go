// Package hostcheck rejeita requisições cujo Host não está na lista permitida.
package hostcheck

import (
	"net"
	"net/http"
	"strings"
)

// Middleware aceita nomes exatos, "*" (qualquer host) e curingas de
// subdomínio ("*.example.com"). Lista vazia desliga a verificação.
// Host fora da lista recebe 400.
func Middleware(allowed []string) func(http.Handler) http.Handler {
	patterns := normalize(allowed)
	return func(next http.Handler) http.Handler {
		if len(patterns) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Allowed(patterns, r.Host) {
				http.Error(w, "Invalid host header", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allowed informa se host (com ou sem porta) casa com algum padrão.
func Allowed(patterns []string, host string) bool {
	host = strings.ToLower(stripPort(host))
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.HasPrefix(p, "*."):
			if strings.HasSuffix(host, p[1:]) {
				return true
			}
		case p == host:
			return true
		}
	}
	return false
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
