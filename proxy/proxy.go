// Package proxy encaminha requisições para os serviços de backend conforme o
// prefixo do caminho e devolve a resposta sem interpretá-la.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"dian-gateway/middleware/accesslog"
	"dian-gateway/middleware/correlation"
)

const MsgServiceUnavailable = "Service temporarily unavailable"

// ErrUpstreamUnavailable indica falha de transporte ao falar com o backend.
var ErrUpstreamUnavailable = errors.New("proxy: upstream unavailable")

// ErrNoRoute indica que nenhum prefixo casou.
var ErrNoRoute = errors.New("proxy: no route")

type Options struct {
	// Transport é compartilhado por todas as rotas (um único pool de conexões).
	Transport http.RoundTripper
	// Timeout por encaminhamento. 0 = sem limite além do ctx da requisição.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Forwarder é um http.Handler que atende todas as rotas da Table.
// Cada requisição é encaminhada uma única vez; não há retry.
type Forwarder struct {
	table   *Table
	timeout time.Duration
	logger  *slog.Logger
	rp      *httputil.ReverseProxy
}

var forwardingHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

type routeKey struct{}

type routeMatch struct {
	route  Route
	suffix string
	// rawSuffix é o sufixo na forma escapada da requisição (%2F preservado).
	rawSuffix string
}

func NewForwarder(table *Table, opts Options) *Forwarder {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Forwarder{table: table, timeout: opts.Timeout, logger: opts.Logger}
	f.rp = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      opts.Transport,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
	}
	return f
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, suffix, ok := f.table.Match(r.URL.Path)
	if !ok {
		accesslog.AddError(r.Context(), ErrNoRoute)
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	accesslog.AddLogField(r.Context(), "upstream", route.Name)

	// o ReverseProxy soma (Add) os headers do backend aos já escritos; o id
	// da requisição é o único valor e vai fixado aqui.
	if id := correlation.FromContext(r.Context()); id != "" {
		w.Header().Set(correlation.Header, id)
	}

	m := routeMatch{route: route, suffix: suffix, rawSuffix: escapedSuffix(r.URL, route.Prefix, suffix)}
	ctx := context.WithValue(r.Context(), routeKey{}, m)
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	f.rp.ServeHTTP(w, r.WithContext(ctx))
}

// rewrite monta a URL de destino (base do serviço + sufixo + query original),
// descarta o Host de entrada e carimba o X-Correlation-ID.
func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	m, _ := pr.In.Context().Value(routeKey{}).(routeMatch)

	pr.Out.URL.Path = m.suffix
	pr.Out.URL.RawPath = m.rawSuffix
	pr.SetURL(m.route.Target)
	pr.Out.Host = ""

	// o ReverseProxy remove os headers de encaminhamento no modo Rewrite;
	// repassa os que vieram do cliente sem alterar.
	for _, h := range forwardingHeaders {
		if v, ok := pr.In.Header[h]; ok {
			pr.Out.Header[h] = append([]string(nil), v...)
		}
	}

	if id := correlation.FromContext(pr.In.Context()); id != "" {
		pr.Out.Header.Set(correlation.Header, id)
	}
}

// modifyResponse descarta o X-Correlation-ID devolvido pelo backend; o
// cliente recebe só o id da requisição.
func (f *Forwarder) modifyResponse(resp *http.Response) error {
	if correlation.FromContext(resp.Request.Context()) != "" {
		resp.Header.Del(correlation.Header)
	}
	return nil
}

// escapedSuffix recorta o sufixo da forma escapada do caminho, para que
// segmentos como %2F cheguem ao backend sem decodificar. Sem forma escapada
// compatível, usa o sufixo decodificado.
func escapedSuffix(u *url.URL, prefix, suffix string) string {
	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, prefix) {
		return ""
	}
	raw := escaped[len(prefix):]
	if raw == "" {
		raw = "/"
	}
	if !strings.HasPrefix(raw, "/") {
		return ""
	}
	if dec, err := url.PathUnescape(raw); err != nil || dec != suffix {
		return ""
	}
	return raw
}

// handleError responde 503 com mensagem genérica; o erro real só vai para o log.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	m, _ := r.Context().Value(routeKey{}).(routeMatch)
	target := ""
	if m.route.Target != nil {
		target = m.route.Target.String()
	}

	f.logger.Error("service request failed",
		slog.String("service", m.route.Name),
		slog.String("service_url", target),
		slog.String("path", m.suffix),
		slog.String("error", err.Error()),
		slog.String("correlation_id", correlation.FromContext(r.Context())),
	)
	accesslog.AddError(r.Context(), errors.Join(ErrUpstreamUnavailable, err))

	writeDetail(w, http.StatusServiceUnavailable, MsgServiceUnavailable)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
