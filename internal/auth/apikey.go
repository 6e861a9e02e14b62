// Package auth implements API key authentication for the Palantir gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using "sk-" bearer tokens. Resolved
// identities (key plus owning user) are cached in an otter W-TinyLFU cache.
type APIKeyAuth struct {
	store storage.Store
	cache *otter.Cache[string, *gateway.Identity]
}

// New returns an APIKeyAuth backed by store.
func New(store storage.Store) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.Identity]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Identity](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it and the owning user, and returns the caller's Identity.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	authz := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(authz, "Bearer ")
	if raw == authz || raw == "" {
		// Claude CLI sends the key in x-api-key instead of Authorization.
		raw = r.Header.Get("x-api-key")
	}
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)
	if id, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkIdentity(id); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return id, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed one, guarding against collation surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	id := &gateway.Identity{User: user, Key: key}
	if err := checkIdentity(id); err != nil {
		return nil, err
	}

	a.cache.Set(hash, id)
	return id, nil
}

// Invalidate drops every cached identity; called when admin operations
// modify users or keys.
func (a *APIKeyAuth) Invalidate() {
	a.cache.InvalidateAll()
}

func checkIdentity(id *gateway.Identity) error {
	if id.Key.DeletedAt != nil {
		return gateway.ErrKeyDeleted
	}
	if !id.User.Enabled {
		return gateway.ErrUserDisabled
	}
	if id.User.ExpiresAt != nil && id.User.ExpiresAt.Before(time.Now()) {
		return gateway.ErrUserExpired
	}
	return nil
}
