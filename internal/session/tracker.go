// Package session tracks active proxy sessions per key and per user. The
// tracker is the single source of truth for concurrent-session enforcement:
// a slot is acquired before the rate-limit checks run and released on every
// pipeline exit path, including client cancellation.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eugener/palantir/internal/redisstore"
)

// idleTTL is how long a session stays in the active sets without a refresh.
const idleTTL = 5 * time.Minute

// Tracker maintains the session:active:{keyId} and session:user:{userId}
// Redis sets.
type Tracker struct {
	store *redisstore.Store
}

// New returns a Tracker backed by the given Redis facade.
func New(store *redisstore.Store) *Tracker {
	return &Tracker{store: store}
}

func keySet(keyID string) string   { return "session:active:" + keyID }
func userSet(userID string) string { return "session:user:" + userID }

// Acquire registers sessionID as active for both the key and the user.
func (t *Tracker) Acquire(ctx context.Context, userID, keyID, sessionID string) {
	t.store.SAddTTL(ctx, keySet(keyID), sessionID, idleTTL)
	t.store.SAddTTL(ctx, userSet(userID), sessionID, idleTTL)
}

// Release removes sessionID from both sets. Callers run this unconditionally
// on pipeline exit, so it must tolerate repeated and cancelled contexts.
func (t *Tracker) Release(ctx context.Context, userID, keyID, sessionID string) {
	// The request context may already be cancelled (client abort); detach so
	// the release still lands.
	ctx = context.WithoutCancel(ctx)
	t.store.SRem(ctx, keySet(keyID), sessionID)
	t.store.SRem(ctx, userSet(userID), sessionID)
}

// Touch refreshes the idle TTL for a long-running stream.
func (t *Tracker) Touch(ctx context.Context, userID, keyID, sessionID string) {
	t.Acquire(ctx, userID, keyID, sessionID)
}

// KeySessionCount returns the number of active sessions for a key.
// -1 means unknown (Redis down), which callers treat as allowed.
func (t *Tracker) KeySessionCount(ctx context.Context, keyID string) int64 {
	return t.store.SCard(ctx, keySet(keyID))
}

// UserSessionCount returns the number of active sessions for a user.
func (t *Tracker) UserSessionCount(ctx context.Context, userID string) int64 {
	return t.store.SCard(ctx, userSet(userID))
}

// ActiveSession is one live session, as reported by ActiveSessions.
type ActiveSession struct {
	KeyID     string `json:"key_id"`
	SessionID string `json:"session_id"`
}

// ActiveSessions lists all live sessions across keys. Best-effort: Redis
// outages yield an empty list.
func (t *Tracker) ActiveSessions(ctx context.Context) []ActiveSession {
	keys, err := t.store.Keys(ctx, "session:active:*")
	if err != nil {
		return nil
	}
	var out []ActiveSession
	for _, k := range keys {
		keyID := strings.TrimPrefix(k, "session:active:")
		for _, sid := range t.store.SMembers(ctx, k) {
			out = append(out, ActiveSession{KeyID: keyID, SessionID: sid})
		}
	}
	return out
}

// NewSessionID derives a session identifier for requests that did not supply
// one: keyed to the key ID and the wall-clock hour so retries within the
// same conversation coalesce.
func NewSessionID(keyID string) string {
	return fmt.Sprintf("%s-%s", keyID, time.Now().UTC().Format("2006010215"))
}
