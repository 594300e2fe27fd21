package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Route liga um prefixo de caminho ao serviço que o atende.
type Route struct {
	Name   string
	Prefix string
	Target *url.URL
}

// Table é a lista estática de rotas, ordenada do prefixo mais longo para o
// mais curto. Não muda depois de carregada.
type Table struct {
	routes []Route
}

var ErrInvalidRoute = errors.New("proxy: invalid route")

// ParseRoute valida prefixo e URL base.
func ParseRoute(name, prefix, rawURL string) (Route, error) {
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		return Route{}, fmt.Errorf("%w: %s: prefix must not be empty", ErrInvalidRoute, name)
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Route{}, fmt.Errorf("%w: %s: %w", ErrInvalidRoute, name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Route{}, fmt.Errorf("%w: %s: url %q must be absolute http(s)", ErrInvalidRoute, name, rawURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return Route{Name: name, Prefix: prefix, Target: u}, nil
}

func NewTable(routes ...Route) (*Table, error) {
	seen := make(map[string]string, len(routes))
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Target == nil || !strings.HasPrefix(r.Prefix, "/") || r.Prefix == "/" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRoute, r.Name)
		}
		if other, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("%w: prefix %s used by %s and %s", ErrInvalidRoute, r.Prefix, other, r.Name)
		}
		seen[r.Prefix] = r.Name
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Prefix) > len(out[j].Prefix) })
	return &Table{routes: out}, nil
}

// Routes retorna uma cópia, na ordem de casamento.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Match encontra a rota de maior prefixo para path e devolve o sufixo
// restante (sempre começando com "/"). "/excel" casa com "/excel" e
// "/excel/...", mas não com "/excelsior".
func (t *Table) Match(path string) (Route, string, bool) {
	for _, r := range t.routes {
		if path == r.Prefix {
			return r, "/", true
		}
		if strings.HasPrefix(path, r.Prefix+"/") {
			return r, path[len(r.Prefix):], true
		}
	}
	return Route{}, "", false
}
