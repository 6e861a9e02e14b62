// Package cloudauth exchanges long-lived provider credentials for short-lived
// OAuth access tokens. claude-auth providers store an Anthropic OAuth refresh
// token; gemini-cli providers store a Google one. Tokens are cached per
// provider and refreshed through oauth2.TokenSource, which serializes
// concurrent refreshes.
package cloudauth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// Endpoints for the two OAuth flavors the gateway speaks.
var (
	anthropicEndpoint = oauth2.Endpoint{
		TokenURL: "https://console.anthropic.com/v1/oauth/token",
	}
	googleEndpoint = oauth2.Endpoint{
		TokenURL: "https://oauth2.googleapis.com/token",
	}
)

// Config selects the OAuth client used for refresh-token exchange.
type Config struct {
	ClientID string
	Endpoint oauth2.Endpoint
}

// AnthropicOAuth is the OAuth client configuration for claude-auth providers.
var AnthropicOAuth = Config{
	ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	Endpoint: anthropicEndpoint,
}

// GoogleOAuth is the OAuth client configuration for gemini-cli providers.
var GoogleOAuth = Config{
	ClientID: "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	Endpoint: googleEndpoint,
}

// TokenCache caches oauth2 token sources per provider.
type TokenCache struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
	cfgFor  func(providerID string) Config
}

// New returns a TokenCache. cfgFor resolves the OAuth client config for a
// provider; nil uses AnthropicOAuth for everything.
func New(cfgFor func(providerID string) Config) *TokenCache {
	if cfgFor == nil {
		cfgFor = func(string) Config { return AnthropicOAuth }
	}
	return &TokenCache{
		sources: make(map[string]oauth2.TokenSource),
		cfgFor:  cfgFor,
	}
}

// AccessToken returns a valid access token for the provider, exchanging the
// stored refresh token when the cached one has expired.
func (c *TokenCache) AccessToken(ctx context.Context, providerID, refreshToken string) (string, error) {
	c.mu.Lock()
	src, ok := c.sources[providerID]
	if !ok {
		cfg := c.cfgFor(providerID)
		oc := &oauth2.Config{ClientID: cfg.ClientID, Endpoint: cfg.Endpoint}
		src = oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refreshToken})
		c.sources[providerID] = src
	}
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("cloudauth: token for provider %s: %w", providerID, err)
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached source for a provider (credential rotated).
func (c *TokenCache) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.sources, providerID)
	c.mu.Unlock()
}
