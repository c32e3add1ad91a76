package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/torii/internal/model"
)

// Prober checks whether one upstream is alive. A nil return means healthy.
type Prober interface {
	Probe(ctx context.Context, target Target) error
}

// HTTPProber issues GET <proxy_url>/health and treats any 2xx as alive.
// The default for plain HTTP upstreams.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, target Target) error {
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}

	u := strings.TrimRight(target.ProxyURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("health: build probe request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("health: probe %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: probe %s: status %d", u, resp.StatusCode)
	}
	return nil
}

// MCPProber performs a full MCP initialize handshake against the upstream.
// Heavier than an HTTP GET, but it verifies the upstream actually speaks
// the protocol, not just that something answers on the port.
type MCPProber struct{}

func (p *MCPProber) Probe(ctx context.Context, target Target) error {
	var (
		c   *client.Client
		err error
	)
	if hasTransport(target.Transports, model.TransportSSE) && !hasTransport(target.Transports, model.TransportStreamableHTTP) {
		c, err = client.NewSSEMCPClient(target.ProxyURL)
	} else {
		c, err = client.NewStreamableHttpClient(target.ProxyURL)
	}
	if err != nil {
		return fmt.Errorf("health: create mcp client: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("health: start mcp transport: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "torii-health",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		return fmt.Errorf("health: mcp initialize %s: %w", target.ProxyURL, err)
	}
	return nil
}

// proberFor picks the probe method for a target. MCP servers reachable
// over MCP transports get the handshake probe; everything else gets the
// HTTP GET.
func proberFor(target Target, httpProbe, mcpProbe Prober) Prober {
	if target.Type == model.EntityServer &&
		(hasTransport(target.Transports, model.TransportStreamableHTTP) || hasTransport(target.Transports, model.TransportSSE)) {
		return mcpProbe
	}
	return httpProbe
}

func hasTransport(list []model.Transport, t model.Transport) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

// jitter spreads probes of a cycle over the interval. Returns a duration
// in [0, max).
func jitter(rnd func() float64, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rnd() * float64(max))
}
