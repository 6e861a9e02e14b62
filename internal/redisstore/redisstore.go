// Package redisstore is the shared Redis facade for counters, hash state and
// session sets. Every operation is fail-open: when Redis is unreachable,
// checks allow the request, set cardinality reports unknown (-1), and counter
// and state writes fall back to an in-process store, so the gateway never
// blocks on a Redis outage.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eugener/palantir/internal/timewin"
)

// opTimeout bounds every Redis round-trip so a hung connection cannot stall
// a request handler.
const opTimeout = 2 * time.Second

// Scope namespaces cost counters by owner kind.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeKey  Scope = "key"
)

// Store wraps a Redis client plus an in-process fallback. A nil client is
// valid and means "Redis disabled": every operation runs against the
// in-process store, so checks still count and can deny within this process.
type Store struct {
	rdb      *redis.Client
	clock    *timewin.Clock
	fallback *memStore
}

// New returns a Store backed by the given client (nil disables Redis).
func New(rdb *redis.Client, clock *timewin.Clock) *Store {
	return &Store{rdb: rdb, clock: clock, fallback: newMemStore()}
}

// Dial connects to a Redis URL ("redis://..."). An empty URL returns a
// disabled store. Connection failures are fail-open too: the store is
// returned degraded, not an error.
func Dial(ctx context.Context, url string, clock *timewin.Clock) *Store {
	if url == "" {
		return New(nil, clock)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		slog.Warn("redis url invalid, running without redis", "error", err)
		return New(nil, clock)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable at startup, operations will fail open", "error", err)
	}
	return New(rdb, clock)
}

// Enabled reports whether a Redis client is configured.
func (s *Store) Enabled() bool { return s.rdb != nil }

// Close releases the underlying client.
func (s *Store) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, opTimeout)
}

// costKey builds "rate:cost:{scope}:{id}:{period}".
func costKey(scope Scope, id string, period timewin.Period) string {
	return fmt.Sprintf("rate:cost:%s:%s:%s", scope, id, period)
}

// GetCurrentCost returns the accumulated cost for a window. Returns 0 when
// Redis is down or the key does not exist.
func (s *Store) GetCurrentCost(ctx context.Context, scope Scope, id string, period timewin.Period, resetTime string, mode timewin.DailyMode) float64 {
	key := costKey(scope, id, period)
	if s.rdb == nil {
		return s.fallback.getFloat(key)
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.Get(opCtx, key).Float64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("redis get cost failed, returning fallback", "key", key, "error", err)
			return s.fallback.getFloat(key)
		}
		return 0
	}
	return v
}

// IncrementCost adds delta to a window counter and refreshes its TTL.
func (s *Store) IncrementCost(ctx context.Context, scope Scope, id string, period timewin.Period, resetTime string, mode timewin.DailyMode, delta float64) {
	key := costKey(scope, id, period)
	ttl := s.clock.TTL(period, resetTime, mode)
	if s.rdb == nil {
		s.fallback.incrFloat(key, delta, ttl)
		return
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.IncrByFloat(opCtx, key, delta)
	if ttl > 0 {
		pipe.Expire(opCtx, key, ttl)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		slog.Warn("redis incr cost failed, buffering locally", "key", key, "error", err)
		s.fallback.incrFloat(key, delta, ttl)
	}
}

// RPMResult reports the outcome of an RPM check.
type RPMResult struct {
	Allowed bool
	Current int64
}

// CheckRPM increments the per-minute request counter for a user and checks
// it against limit. The counter keys on the wall-clock minute and expires
// after two minutes. Fail-open: a Redis error allows the request.
func (s *Store) CheckRPM(ctx context.Context, userID string, limit int64) RPMResult {
	key := fmt.Sprintf("rate:rpm:%s:%s", userID, time.Now().In(s.clock.Location()).Format("200601021504"))
	if s.rdb == nil {
		n := s.fallback.incrInt(key, 1, 120*time.Second)
		return RPMResult{Allowed: n <= limit, Current: n}
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(opCtx, key)
	pipe.Expire(opCtx, key, 120*time.Second)
	if _, err := pipe.Exec(opCtx); err != nil {
		slog.Warn("redis rpm check failed, allowing request", "user", userID, "error", err)
		return RPMResult{Allowed: true, Current: 0}
	}
	n := incr.Val()
	return RPMResult{Allowed: n <= limit, Current: n}
}

// --- Hash state (circuit breaker persistence) ---

// HSet writes hash fields and refreshes the key TTL (0 = no TTL).
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if s.rdb == nil {
		s.fallback.hset(key, fields, ttl)
		return nil
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(opCtx, key, args...)
	if ttl > 0 {
		pipe.Expire(opCtx, key, ttl)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		s.fallback.hset(key, fields, ttl)
		return err
	}
	return nil
}

// HGetAll reads all fields of a hash. Missing keys yield an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s.rdb == nil {
		return s.fallback.hgetall(key), nil
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	m, err := s.rdb.HGetAll(opCtx, key).Result()
	if err != nil {
		return s.fallback.hgetall(key), err
	}
	return m, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.fallback.del(keys...)
	if s.rdb == nil {
		return nil
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	return s.rdb.Del(opCtx, keys...).Err()
}

// Keys lists keys matching a glob pattern. Intended for startup preloads,
// not hot paths.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.rdb == nil {
		return s.fallback.keys(pattern), nil
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	return s.rdb.Keys(opCtx, pattern).Result()
}

// --- Session sets ---

// SAddTTL adds a member to a set and refreshes the set TTL.
func (s *Store) SAddTTL(ctx context.Context, key, member string, ttl time.Duration) {
	if s.rdb == nil {
		s.fallback.sadd(key, member, ttl)
		return
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(opCtx, key, member)
	pipe.Expire(opCtx, key, ttl)
	if _, err := pipe.Exec(opCtx); err != nil {
		slog.Warn("redis sadd failed, tracking locally", "key", key, "error", err)
		s.fallback.sadd(key, member, ttl)
	}
}

// SRem removes a member from a set.
func (s *Store) SRem(ctx context.Context, key, member string) {
	s.fallback.srem(key, member)
	if s.rdb == nil {
		return
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.rdb.SRem(opCtx, key, member).Err(); err != nil {
		slog.Warn("redis srem failed", "key", key, "error", err)
	}
}

// SCard returns set cardinality; -1 signals "unknown" (fail-open).
func (s *Store) SCard(ctx context.Context, key string) int64 {
	if s.rdb == nil {
		return s.fallback.scard(key)
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	n, err := s.rdb.SCard(opCtx, key).Result()
	if err != nil {
		slog.Warn("redis scard failed, returning unknown", "key", key, "error", err)
		return -1
	}
	return n
}

// SMembers returns set members; nil on error.
func (s *Store) SMembers(ctx context.Context, key string) []string {
	if s.rdb == nil {
		return s.fallback.smembers(key)
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	members, err := s.rdb.SMembers(opCtx, key).Result()
	if err != nil {
		slog.Warn("redis smembers failed", "key", key, "error", err)
		return nil
	}
	return members
}

// --- Plain string values (client-version guard) ---

// SetTTL writes a string value with a TTL.
func (s *Store) SetTTL(ctx context.Context, key, value string, ttl time.Duration) {
	if s.rdb == nil {
		s.fallback.set(key, value, ttl)
		return
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.rdb.Set(opCtx, key, value, ttl).Err(); err != nil {
		s.fallback.set(key, value, ttl)
	}
}

// Get reads a string value; ok=false when absent or Redis failed.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if s.rdb == nil {
		return s.fallback.get(key)
	}
	opCtx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.Get(opCtx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return s.fallback.get(key)
		}
		return "", false
	}
	return v, true
}

// globMatch is the small subset of glob the key schema needs: a single '*'.
func globMatch(pattern, s string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return pattern == s
	}
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s[len(prefix):], suffix)
}
