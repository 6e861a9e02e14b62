// Package ratelimit evaluates the user- and key-level policy windows before
// a request is dispatched. Checks run in a fixed order and the first failure
// produces a structured denial; a request exactly at a limit is denied.
package ratelimit

import (
	"context"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/redisstore"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/timewin"
)

// Guard evaluates rate and cost limits against the Redis counters.
type Guard struct {
	store    *redisstore.Store
	sessions *session.Tracker
	clock    *timewin.Clock
	enabled  bool
}

// New returns a Guard. When enabled is false Ensure is a no-op; this mirrors
// the ENABLE_RATE_LIMIT switch.
func New(store *redisstore.Store, sessions *session.Tracker, clock *timewin.Clock, enabled bool) *Guard {
	return &Guard{store: store, sessions: sessions, clock: clock, enabled: enabled}
}

// CheckResult is the outcome of a single limit evaluation.
type CheckResult struct {
	Allowed bool
	Current float64
	Limit   float64
	Reason  string
}

// Ensure runs every configured check for the identity, in order:
// user RPM, user daily, user total, key 5h/daily/weekly/monthly, key total,
// key concurrent sessions. It returns a *gateway.RateLimitDenial on the
// first failure and nil when all checks pass.
func (g *Guard) Ensure(ctx context.Context, id *gateway.Identity, sessionID string) error {
	if !g.enabled || id == nil {
		return nil
	}
	user := id.User
	key := id.Key
	userPolicy := user.Policy
	keyPolicy := key.Policy.Merge(userPolicy)

	// 1. User RPM.
	if userPolicy.RPM != nil {
		r := g.store.CheckRPM(ctx, user.ID, *userPolicy.RPM)
		if !r.Allowed {
			return &gateway.RateLimitDenial{
				LimitType: gateway.LimitRPM,
				Current:   float64(r.Current),
				Limit:     float64(*userPolicy.RPM),
				ResetTime: time.Now().Truncate(time.Minute).Add(time.Minute),
			}
		}
	}

	// 2. User daily cost.
	if userPolicy.LimitDailyUSD != nil {
		if d := g.costCheck(ctx, redisstore.ScopeUser, user.ID, timewin.PeriodDaily,
			userPolicy.DailyResetTime, dailyMode(userPolicy.DailyResetMode),
			*userPolicy.LimitDailyUSD, gateway.LimitDaily); d != nil {
			return d
		}
	}

	// 3. User total cost cap.
	if userPolicy.LimitTotalUSD != nil {
		if d := g.totalCheck(ctx, redisstore.ScopeUser, user.ID, *userPolicy.LimitTotalUSD); d != nil {
			return d
		}
	}

	// 4. Key cost bundle: 5h rolling, daily, ISO week, calendar month.
	if keyPolicy.Limit5hUSD != nil {
		if d := g.costCheck(ctx, redisstore.ScopeKey, key.ID, timewin.Period5h, "", "",
			*keyPolicy.Limit5hUSD, gateway.Limit5h); d != nil {
			return d
		}
	}
	if keyPolicy.LimitDailyUSD != nil {
		if d := g.costCheck(ctx, redisstore.ScopeKey, key.ID, timewin.PeriodDaily,
			keyPolicy.DailyResetTime, dailyMode(keyPolicy.DailyResetMode),
			*keyPolicy.LimitDailyUSD, gateway.LimitDaily); d != nil {
			return d
		}
	}
	if keyPolicy.LimitWeeklyUSD != nil {
		if d := g.costCheck(ctx, redisstore.ScopeKey, key.ID, timewin.PeriodWeekly, "", "",
			*keyPolicy.LimitWeeklyUSD, gateway.LimitWeekly); d != nil {
			return d
		}
	}
	if keyPolicy.LimitMonthlyUSD != nil {
		if d := g.costCheck(ctx, redisstore.ScopeKey, key.ID, timewin.PeriodMonthly, "", "",
			*keyPolicy.LimitMonthlyUSD, gateway.LimitMonthly); d != nil {
			return d
		}
	}

	// 5. Key total cost cap.
	if keyPolicy.LimitTotalUSD != nil {
		if d := g.totalCheck(ctx, redisstore.ScopeKey, key.ID, *keyPolicy.LimitTotalUSD); d != nil {
			return d
		}
	}

	// 6. Key concurrent-session cap. The current session was already acquired
	// by the pipeline, so the count includes it; strictly-greater means an
	// extra session beyond the cap.
	if keyPolicy.LimitConcurrentSessions != nil {
		limit := *keyPolicy.LimitConcurrentSessions
		count := g.sessions.KeySessionCount(ctx, key.ID)
		if count > limit { // count == -1 (unknown) fails open
			return &gateway.RateLimitDenial{
				LimitType: gateway.LimitConcurrency,
				Current:   float64(count),
				Limit:     float64(limit),
			}
		}
	}

	return nil
}

// RecordCost accumulates a finished request's cost into every window counter
// the identity's policies can observe.
func (g *Guard) RecordCost(ctx context.Context, id *gateway.Identity, costUSD float64) {
	if !g.enabled || id == nil || costUSD <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	userPolicy := id.User.Policy
	keyPolicy := id.Key.Policy.Merge(userPolicy)

	g.store.IncrementCost(ctx, redisstore.ScopeUser, id.User.ID, timewin.PeriodDaily,
		userPolicy.DailyResetTime, dailyMode(userPolicy.DailyResetMode), costUSD)
	g.store.IncrementCost(ctx, redisstore.ScopeUser, id.User.ID, timewin.PeriodTotal, "", "", costUSD)

	g.store.IncrementCost(ctx, redisstore.ScopeKey, id.Key.ID, timewin.Period5h, "", "", costUSD)
	g.store.IncrementCost(ctx, redisstore.ScopeKey, id.Key.ID, timewin.PeriodDaily,
		keyPolicy.DailyResetTime, dailyMode(keyPolicy.DailyResetMode), costUSD)
	g.store.IncrementCost(ctx, redisstore.ScopeKey, id.Key.ID, timewin.PeriodWeekly, "", "", costUSD)
	g.store.IncrementCost(ctx, redisstore.ScopeKey, id.Key.ID, timewin.PeriodMonthly, "", "", costUSD)
	g.store.IncrementCost(ctx, redisstore.ScopeKey, id.Key.ID, timewin.PeriodTotal, "", "", costUSD)
}

// costCheck evaluates one windowed cost limit. Denial is inclusive: a
// counter exactly at the limit denies.
func (g *Guard) costCheck(ctx context.Context, scope redisstore.Scope, ownerID string,
	period timewin.Period, resetTime string, mode timewin.DailyMode,
	limit float64, lt gateway.LimitType) *gateway.RateLimitDenial {
	current := g.store.GetCurrentCost(ctx, scope, ownerID, period, resetTime, mode)
	if current < limit {
		return nil
	}
	return &gateway.RateLimitDenial{
		LimitType: lt,
		Current:   current,
		Limit:     limit,
		ResetTime: g.clock.ResetInfo(period, resetTime, mode),
	}
}

// totalCheck evaluates a lifetime cost cap. Total caps never reset.
func (g *Guard) totalCheck(ctx context.Context, scope redisstore.Scope, ownerID string, limit float64) *gateway.RateLimitDenial {
	current := g.store.GetCurrentCost(ctx, scope, ownerID, timewin.PeriodTotal, "", "")
	if current < limit {
		return nil
	}
	return &gateway.RateLimitDenial{
		LimitType: gateway.LimitTotal,
		Current:   current,
		Limit:     limit,
	}
}

func dailyMode(s string) timewin.DailyMode {
	if s == string(timewin.DailyRolling) {
		return timewin.DailyRolling
	}
	return timewin.DailyFixed
}
