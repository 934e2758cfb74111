package llm

import (
	"context"
	"fmt"
	"sort"
)

// ProviderAdapter is one model backend.
type ProviderAdapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Client routes requests to registered provider adapters.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[normalizeProviderName(adapter.Name())] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = normalizeProviderName(adapter.Name())
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

// ProviderNames lists the registered providers in sorted order, for startup
// logging.
func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Generate validates the request, resolves the provider, and delegates.
// Responses with zero token counts get estimates filled in so the caller's
// cost accounting never divides by silence.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	resp, err := adapter.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.TokensIn == 0 {
		resp.TokensIn = EstimateMessages(req.Messages)
	}
	if resp.TokensOut == 0 {
		resp.TokensOut = EstimateTokens(resp.Text)
	}
	return resp, nil
}
