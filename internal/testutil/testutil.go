// Package testutil provides shared fakes and seed helpers for tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage/sqlite"
)

// CaptureRecorder collects accounting rows synchronously for assertions.
type CaptureRecorder struct {
	mu   sync.Mutex
	rows []gateway.MessageRequest
}

// Record stores the row.
func (c *CaptureRecorder) Record(r gateway.MessageRequest) {
	c.mu.Lock()
	c.rows = append(c.rows, r)
	c.mu.Unlock()
}

// Rows returns a snapshot of recorded rows.
func (c *CaptureRecorder) Rows() []gateway.MessageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gateway.MessageRequest, len(c.rows))
	copy(out, c.rows)
	return out
}

// NewStore opens an in-memory SQLite store for a test.
func NewStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// SeedIdentity creates a user with one key and returns the identity plus the
// raw key material.
func SeedIdentity(t *testing.T, store *sqlite.Store, userPolicy, keyPolicy gateway.PolicySet) (*gateway.Identity, string) {
	t.Helper()
	ctx := context.Background()

	user := &gateway.User{
		ID:        "u-" + t.Name(),
		Name:      "test user",
		Role:      "user",
		Enabled:   true,
		Policy:    userPolicy,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	raw := gateway.NewAPIKey()
	key := &gateway.Key{
		ID:        "k-" + t.Name(),
		UserID:    user.ID,
		Name:      "test key",
		KeyHash:   gateway.HashKey(raw),
		KeyPrefix: raw[:12],
		Policy:    keyPolicy,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateKey(ctx, key); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	return &gateway.Identity{User: user, Key: key}, raw
}

// SeedProvider inserts a provider pointing at url.
func SeedProvider(t *testing.T, store *sqlite.Store, id string, ptype gateway.ProviderType, url string, mutate func(*gateway.Provider)) *gateway.Provider {
	t.Helper()
	p := &gateway.Provider{
		ID:        id,
		Name:      id,
		Type:      ptype,
		URL:       url,
		Enabled:   true,
		Weight:    1,
		CreatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(p)
	}
	if err := store.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return p
}
