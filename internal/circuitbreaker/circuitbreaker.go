// Package circuitbreaker implements a per-provider three-state circuit
// breaker. It short-circuits requests to known-bad providers, reducing
// failover latency from seconds (timeout + network) to nanoseconds (state
// check). State is mirrored to Redis so instances share provider health;
// the in-process copy stays authoritative when Redis writes fail.
package circuitbreaker

import (
	"context"
	"strconv"
	"sync"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/redisstore"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the open timer elapses.
	StateOpen
	// StateHalfOpen allows probe requests through.
	StateHalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Defaults applied when a provider's breaker config has zero values.
const (
	DefaultFailureThreshold         = 5
	DefaultOpenDuration             = 30 * time.Minute
	DefaultHalfOpenSuccessThreshold = 2
)

// stateTTL bounds how long persisted breaker state outlives its last update.
const stateTTL = 24 * time.Hour

// normalize fills zero config fields with the defaults.
func normalize(cfg gateway.BreakerConfig) gateway.BreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = DefaultHalfOpenSuccessThreshold
	}
	return cfg
}

// Breaker is the per-provider state machine.
type Breaker struct {
	mu sync.Mutex

	providerID string
	cfg        gateway.BreakerConfig

	state            State
	failureCount     int
	lastFailure      time.Time
	openUntil        time.Time
	halfOpenSuccess  int
	lastUsed         time.Time

	store *redisstore.Store // nil in tests that exercise the machine alone
	now   func() time.Time
}

// NewBreaker creates a breaker for providerID with the given config.
func NewBreaker(providerID string, cfg gateway.BreakerConfig, store *redisstore.Store) *Breaker {
	return &Breaker{
		providerID: providerID,
		cfg:        normalize(cfg),
		state:      StateClosed,
		store:      store,
		now:        time.Now,
		lastUsed:   time.Now(),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. In the open state the first
// call after the open timer elapses is admitted as a probe and moves the
// breaker to half_open; concurrent callers at that instant may each be
// elected probe, which is accepted -- state writes are idempotent.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = b.now()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.now().Before(b.openUntil) {
			b.state = StateHalfOpen
			b.halfOpenSuccess = 0
			b.persist(ctx)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

// OnSuccess records a successful upstream exchange.
func (b *Breaker) OnSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount != 0 {
			b.failureCount = 0
			b.persist(ctx)
		}
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenSuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenSuccess = 0
		}
		b.persist(ctx)
	}
}

// OnFailure records a failed upstream exchange.
func (b *Breaker) OnFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip(now)
		}
		b.persist(ctx)
	case StateHalfOpen:
		// Probe failed: reopen and re-arm the timer.
		b.trip(now)
		b.persist(ctx)
	case StateOpen:
		b.persist(ctx)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openUntil = now.Add(b.cfg.OpenDuration)
	b.halfOpenSuccess = 0
}

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	ProviderID      string    `json:"provider_id"`
	State           string    `json:"circuit_state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	OpenUntil       time.Time `json:"circuit_open_until"`
	HalfOpenSuccess int       `json:"half_open_success_count"`
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ProviderID:      b.providerID,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
		OpenUntil:       b.openUntil,
		HalfOpenSuccess: b.halfOpenSuccess,
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

func stateKey(providerID string) string  { return "circuit_breaker:state:" + providerID }
func configKey(providerID string) string { return "circuit_breaker:config:" + providerID }

// persist mirrors the state to Redis. Called with b.mu held; write failure
// is tolerated -- the in-process state stays authoritative.
func (b *Breaker) persist(ctx context.Context) {
	if b.store == nil {
		return
	}
	fields := map[string]string{
		"failureCount":         strconv.Itoa(b.failureCount),
		"lastFailureTime":      strconv.FormatInt(b.lastFailure.UnixMilli(), 10),
		"circuitState":         b.state.String(),
		"circuitOpenUntil":     strconv.FormatInt(b.openUntil.UnixMilli(), 10),
		"halfOpenSuccessCount": strconv.Itoa(b.halfOpenSuccess),
	}
	_ = b.store.HSet(context.WithoutCancel(ctx), stateKey(b.providerID), fields, stateTTL)
}

// restore loads persisted state from Redis, if any.
func (b *Breaker) restore(ctx context.Context) {
	if b.store == nil {
		return
	}
	m, err := b.store.HGetAll(ctx, stateKey(b.providerID))
	if err != nil || len(m) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = parseState(m["circuitState"])
	b.failureCount, _ = strconv.Atoi(m["failureCount"])
	b.halfOpenSuccess, _ = strconv.Atoi(m["halfOpenSuccessCount"])
	if ms, err := strconv.ParseInt(m["lastFailureTime"], 10, 64); err == nil && ms > 0 {
		b.lastFailure = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(m["circuitOpenUntil"], 10, 64); err == nil && ms > 0 {
		b.openUntil = time.UnixMilli(ms)
	}
}
