package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/redisstore"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/timewin"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func testGuard(t *testing.T) (*Guard, *redisstore.Store, *session.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.New(rdb, timewin.New("UTC"))
	sessions := session.New(store)
	return New(store, sessions, timewin.New("UTC"), true), store, sessions
}

func identity(userPolicy, keyPolicy gateway.PolicySet) *gateway.Identity {
	return &gateway.Identity{
		User: &gateway.User{ID: "u1", Enabled: true, Policy: userPolicy},
		Key:  &gateway.Key{ID: "k1", UserID: "u1", Policy: keyPolicy},
	}
}

func denialOf(t *testing.T, err error) *gateway.RateLimitDenial {
	t.Helper()
	if err == nil {
		t.Fatal("expected denial")
	}
	var d *gateway.RateLimitDenial
	if !errors.As(err, &d) {
		t.Fatalf("error is %T, want RateLimitDenial", err)
	}
	return d
}

func TestEnsure_RPM(t *testing.T) {
	t.Parallel()
	g, _, _ := testGuard(t)
	id := identity(gateway.PolicySet{RPM: i64(3)}, gateway.PolicySet{})
	ctx := context.Background()

	for i := range 3 {
		if err := g.Ensure(ctx, id, "s1"); err != nil {
			t.Fatalf("call %d denied: %v", i+1, err)
		}
	}
	d := denialOf(t, g.Ensure(ctx, id, "s1"))
	if d.LimitType != gateway.LimitRPM {
		t.Errorf("limit type = %s", d.LimitType)
	}
	if d.Current != 4 || d.Limit != 3 {
		t.Errorf("current=%v limit=%v, want 4/3", d.Current, d.Limit)
	}
	if until := time.Until(d.ResetTime); until <= 0 || until > time.Minute {
		t.Errorf("reset %v away, want within a minute", until)
	}
}

func TestEnsure_InclusiveCostBoundary(t *testing.T) {
	t.Parallel()
	g, store, _ := testGuard(t)
	ctx := context.Background()

	id := identity(gateway.PolicySet{}, gateway.PolicySet{Limit5hUSD: f64(5)})

	store.IncrementCost(ctx, redisstore.ScopeKey, "k1", timewin.Period5h, "", "", 4.99)
	if err := g.Ensure(ctx, id, "s1"); err != nil {
		t.Fatalf("below limit denied: %v", err)
	}

	// Exactly at the limit is a denial.
	store.IncrementCost(ctx, redisstore.ScopeKey, "k1", timewin.Period5h, "", "", 0.01)
	d := denialOf(t, g.Ensure(ctx, id, "s1"))
	if d.LimitType != gateway.Limit5h {
		t.Errorf("limit type = %s", d.LimitType)
	}
}

func TestEnsure_KeyInheritsUserPolicy(t *testing.T) {
	t.Parallel()
	g, store, _ := testGuard(t)
	ctx := context.Background()

	// Key has no weekly limit of its own; the user's applies.
	id := identity(gateway.PolicySet{LimitWeeklyUSD: f64(1)}, gateway.PolicySet{})
	store.IncrementCost(ctx, redisstore.ScopeKey, "k1", timewin.PeriodWeekly, "", "", 2)

	d := denialOf(t, g.Ensure(ctx, id, "s1"))
	if d.LimitType != gateway.LimitWeekly {
		t.Errorf("limit type = %s", d.LimitType)
	}
}

func TestEnsure_TotalCap(t *testing.T) {
	t.Parallel()
	g, store, _ := testGuard(t)
	ctx := context.Background()

	id := identity(gateway.PolicySet{LimitTotalUSD: f64(10)}, gateway.PolicySet{})
	store.IncrementCost(ctx, redisstore.ScopeUser, "u1", timewin.PeriodTotal, "", "", 10)

	d := denialOf(t, g.Ensure(ctx, id, "s1"))
	if d.LimitType != gateway.LimitTotal {
		t.Errorf("limit type = %s", d.LimitType)
	}
	if !d.ResetTime.IsZero() {
		t.Error("total cap has no reset time")
	}
}

func TestEnsure_ConcurrentSessions(t *testing.T) {
	t.Parallel()
	g, _, sessions := testGuard(t)
	ctx := context.Background()

	id := identity(gateway.PolicySet{}, gateway.PolicySet{LimitConcurrentSessions: i64(2)})

	sessions.Acquire(ctx, "u1", "k1", "s1")
	sessions.Acquire(ctx, "u1", "k1", "s2")
	if err := g.Ensure(ctx, id, "s2"); err != nil {
		t.Fatalf("at cap should pass: %v", err)
	}

	sessions.Acquire(ctx, "u1", "k1", "s3")
	d := denialOf(t, g.Ensure(ctx, id, "s3"))
	if d.LimitType != gateway.LimitConcurrency {
		t.Errorf("limit type = %s", d.LimitType)
	}
}

func TestEnsure_CheckOrder(t *testing.T) {
	t.Parallel()
	g, store, _ := testGuard(t)
	ctx := context.Background()

	// Both the user daily and the key 5h limits are exhausted; the user
	// daily check runs first.
	id := identity(
		gateway.PolicySet{LimitDailyUSD: f64(1)},
		gateway.PolicySet{Limit5hUSD: f64(1), LimitDailyUSD: f64(100)},
	)
	store.IncrementCost(ctx, redisstore.ScopeUser, "u1", timewin.PeriodDaily, "", "", 5)
	store.IncrementCost(ctx, redisstore.ScopeKey, "k1", timewin.Period5h, "", "", 5)

	d := denialOf(t, g.Ensure(ctx, id, "s1"))
	if d.LimitType != gateway.LimitDaily {
		t.Errorf("first denial = %s, want daily (user checks run first)", d.LimitType)
	}
}

func TestEnsure_DisabledGuard(t *testing.T) {
	t.Parallel()
	store := redisstore.New(nil, timewin.New("UTC"))
	g := New(store, session.New(store), timewin.New("UTC"), false)

	id := identity(gateway.PolicySet{RPM: i64(0)}, gateway.PolicySet{})
	if err := g.Ensure(context.Background(), id, "s1"); err != nil {
		t.Errorf("disabled guard denied: %v", err)
	}
}

func TestRecordCost(t *testing.T) {
	t.Parallel()
	g, store, _ := testGuard(t)
	ctx := context.Background()

	id := identity(gateway.PolicySet{}, gateway.PolicySet{})
	g.RecordCost(ctx, id, 1.5)
	g.RecordCost(ctx, id, 0.5)

	if got := store.GetCurrentCost(ctx, redisstore.ScopeKey, "k1", timewin.Period5h, "", ""); got != 2 {
		t.Errorf("key 5h counter = %v, want 2", got)
	}
	if got := store.GetCurrentCost(ctx, redisstore.ScopeUser, "u1", timewin.PeriodTotal, "", ""); got != 2 {
		t.Errorf("user total counter = %v, want 2", got)
	}
}
