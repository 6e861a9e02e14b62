package selector

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cloudauth"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// ClientPool builds and caches per-provider HTTP clients: a direct client,
// and when the provider configures proxyUrl, a proxied one.
type ClientPool struct {
	mu       sync.Mutex
	resolver *dnscache.Resolver
	direct   *http.Client
	proxied  map[string]*http.Client // keyed by proxy URL
}

// NewClientPool returns a pool sharing one DNS-cached transport for direct
// connections.
func NewClientPool(resolver *dnscache.Resolver) *ClientPool {
	return &ClientPool{
		resolver: resolver,
		direct:   &http.Client{Transport: NewTransport(resolver)},
		proxied:  make(map[string]*http.Client),
	}
}

// Direct returns the shared direct client.
func (p *ClientPool) Direct() *http.Client { return p.direct }

// ForProxy returns a client routing through the given proxy URL. Invalid
// URLs fall back to the direct client.
func (p *ClientPool) ForProxy(proxyURL string) *http.Client {
	if proxyURL == "" {
		return p.direct
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.proxied[proxyURL]; ok {
		return c
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return p.direct
	}
	t := NewTransport(nil) // proxied connections bypass the DNS cache
	t.Proxy = http.ProxyURL(u)
	c := &http.Client{Transport: t}
	p.proxied[proxyURL] = c
	return c
}

// SetAuthHeaders injects the provider's credential using the header
// convention of its wire protocol.
func SetAuthHeaders(h http.Header, p *gateway.Provider, token string) {
	switch p.Type {
	case gateway.ProviderClaude:
		h.Set("x-api-key", p.Credential)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", "2023-06-01")
		}
	case gateway.ProviderClaudeAuth:
		// OAuth bearer from the token source; the raw credential is the
		// refresh token and never goes on the wire.
		h.Set("Authorization", "Bearer "+token)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", "2023-06-01")
		}
	case gateway.ProviderGemini:
		h.Set("x-goog-api-key", p.Credential)
	case gateway.ProviderGeminiCLI:
		h.Set("Authorization", "Bearer "+token)
	default: // codex, openai-compatible
		h.Set("Authorization", "Bearer "+p.Credential)
	}
}

// TokenFor resolves an OAuth access token for providers that need one.
func TokenFor(ctx context.Context, auth *cloudauth.TokenCache, p *gateway.Provider) string {
	if auth == nil {
		return p.Credential
	}
	switch p.Type {
	case gateway.ProviderClaudeAuth, gateway.ProviderGeminiCLI:
		tok, err := auth.AccessToken(ctx, p.ID, p.Credential)
		if err != nil {
			return p.Credential
		}
		return tok
	}
	return ""
}
