package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/redisstore"
	"github.com/eugener/palantir/internal/timewin"
)

func testRedis(t *testing.T) *redisstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstore.New(rdb, timewin.New("UTC"))
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testRedis(t)
	provider := &gateway.Provider{
		ID:      "p1",
		Breaker: gateway.BreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1},
	}

	// Instance one trips the breaker.
	r1 := NewRegistry(store)
	r1.GetOrCreate(ctx, provider).OnFailure(ctx)

	// Instance two restores the open state from Redis.
	r2 := NewRegistry(store)
	b := r2.GetOrCreate(ctx, provider)
	if b.State() != StateOpen {
		t.Fatalf("restored state = %s, want open", b.State())
	}
	if b.Allow(ctx) {
		t.Error("restored breaker should still refuse")
	}
}

func TestPreloadPersistsConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testRedis(t)
	providers := []*gateway.Provider{
		{ID: "p1", Breaker: gateway.BreakerConfig{FailureThreshold: 3}},
		{ID: "p2"},
	}

	r := NewRegistry(store)
	r.Preload(ctx, providers)

	m, err := store.HGetAll(ctx, "circuit_breaker:config:p1")
	if err != nil {
		t.Fatal(err)
	}
	if m["failureThreshold"] != "3" {
		t.Errorf("persisted config = %v", m)
	}
	// Zero values are persisted normalized.
	m, _ = store.HGetAll(ctx, "circuit_breaker:config:p2")
	if m["failureThreshold"] != "5" {
		t.Errorf("defaulted config = %v", m)
	}

	if len(r.Snapshots()) != 2 {
		t.Errorf("snapshots = %d, want 2", len(r.Snapshots()))
	}
}

func TestRegistryEvictStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil)
	p := &gateway.Provider{ID: "p1"}
	r.GetOrCreate(ctx, p)

	if n := r.EvictStale(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("fresh breaker evicted: %d", n)
	}
	if n := r.EvictStale(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("stale eviction = %d, want 1", n)
	}
	if r.Get("p1") != nil {
		t.Error("breaker should be gone after eviction")
	}
}
