package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Checker testa uma dependência. Qualquer erro conta como unhealthy.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

var ErrUnhealthy = errors.New("health: dependency unhealthy")

// Pinger é satisfeito pelo CounterStore do rate limit.
type Pinger interface {
	Ping(ctx context.Context) error
}

type pingChecker struct {
	name string
	p    Pinger
}

// NewPingChecker faz um round-trip trivial no store (ex: PING no Redis).
func NewPingChecker(name string, p Pinger) Checker {
	return pingChecker{name: name, p: p}
}

func (c pingChecker) Name() string { return c.name }

func (c pingChecker) Check(ctx context.Context) error {
	if c.p == nil {
		return fmt.Errorf("%w: %s: not configured", ErrUnhealthy, c.name)
	}
	if err := c.p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnhealthy, c.name, err)
	}
	return nil
}

// HTTPChecker consulta GET {base}/health de um serviço. 2xx é saudável;
// status diferente, timeout e erro de conexão não são distinguidos.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker reaproveita client (o mesmo pool do proxy). nil usa
// http.DefaultClient.
func NewHTTPChecker(name, baseURL string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPChecker{
		name:   name,
		url:    strings.TrimSuffix(baseURL, "/") + "/health",
		client: client,
	}
}

func (c *HTTPChecker) Name() string { return c.name }

func (c *HTTPChecker) URL() string { return c.url }

func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnhealthy, c.name, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnhealthy, c.name, err)
	}
	defer resp.Body.Close()
	// drena para a conexão voltar ao pool
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: status %d", ErrUnhealthy, c.name, resp.StatusCode)
	}
	return nil
}
