package circuitbreaker

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/redisstore"
)

// Registry manages per-provider Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	store    *redisstore.Store
}

// NewRegistry creates a registry persisting through the given Redis facade.
func NewRegistry(store *redisstore.Store) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		store:    store,
	}
}

// Get returns the breaker for providerID, or nil if none exists yet.
func (r *Registry) Get(providerID string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[providerID]
}

// GetOrCreate returns the breaker for the provider, creating and restoring
// one if needed. Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(ctx context.Context, p *gateway.Provider) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[p.ID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	if b, ok := r.breakers[p.ID]; ok {
		r.mu.Unlock()
		return b
	}
	b = NewBreaker(p.ID, p.Breaker, r.store)
	r.breakers[p.ID] = b
	r.mu.Unlock()

	b.restore(ctx)
	return b
}

// Preload restores breaker state for all providers concurrently. Best-effort:
// individual failures are logged and ignored.
func (r *Registry) Preload(ctx context.Context, providers []*gateway.Provider) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range providers {
		g.Go(func() error {
			r.GetOrCreate(gctx, p)
			r.persistConfig(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("circuit breaker preload incomplete", "error", err)
	}
}

// persistConfig mirrors the provider's breaker parameters into the shared
// config hash so other instances and the admin surface can read them.
func (r *Registry) persistConfig(ctx context.Context, p *gateway.Provider) {
	if r.store == nil {
		return
	}
	cfg := normalize(p.Breaker)
	_ = r.store.HSet(ctx, configKey(p.ID), map[string]string{
		"failureThreshold":         strconv.Itoa(cfg.FailureThreshold),
		"openDuration":             strconv.FormatInt(cfg.OpenDuration.Milliseconds(), 10),
		"halfOpenSuccessThreshold": strconv.Itoa(cfg.HalfOpenSuccessThreshold),
	}, 0)
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}

// Snapshots returns the state of every tracked breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
