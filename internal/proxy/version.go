package proxy

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/eugener/palantir/internal/redisstore"
)

// Client-version tracking keeps a per-user record of the CLI version seen on
// each client type and derives a "GA" version: the newest version in use by
// at least gaThreshold users. The guard is advisory and fail-open -- it only
// feeds the version caches, it never rejects a request.

const (
	userVersionTTL = 7 * 24 * time.Hour
	gaVersionTTL   = 5 * time.Minute
)

// versionGuard records client versions in Redis.
type versionGuard struct {
	store       *redisstore.Store
	gaThreshold int
}

func newVersionGuard(store *redisstore.Store, threshold int) *versionGuard {
	if threshold < 1 || threshold > 10 {
		threshold = 2
	}
	return &versionGuard{store: store, gaThreshold: threshold}
}

// Observe records the client version from a User-Agent style header value
// like "claude-cli/1.0.119 (external, cli)".
func (v *versionGuard) Observe(ctx context.Context, userID, userAgent string) {
	clientType, version := parseUserAgent(userAgent)
	if clientType == "" || version == "" {
		return
	}
	v.store.SetTTL(ctx, "client_version:"+clientType+":"+userID, version, userVersionTTL)
}

// GAVersion returns the cached GA version for a client type, computing and
// caching it from the per-user records when stale.
func (v *versionGuard) GAVersion(ctx context.Context, clientType string) string {
	if ga, ok := v.store.Get(ctx, "ga_version:"+clientType); ok {
		return ga
	}

	keys, err := v.store.Keys(ctx, "client_version:"+clientType+":*")
	if err != nil {
		return ""
	}
	counts := make(map[string]int)
	for _, k := range keys {
		if ver, ok := v.store.Get(ctx, k); ok {
			counts[ver]++
		}
	}
	ga := ""
	for ver, n := range counts {
		if n >= v.gaThreshold && compareVersions(ver, ga) > 0 {
			ga = ver
		}
	}
	if ga != "" {
		v.store.SetTTL(ctx, "ga_version:"+clientType, ga, gaVersionTTL)
	}
	return ga
}

// parseUserAgent splits "name/version ..." into its parts.
func parseUserAgent(ua string) (clientType, version string) {
	if ua == "" {
		return "", ""
	}
	head, _, _ := strings.Cut(ua, " ")
	name, ver, ok := strings.Cut(head, "/")
	if !ok || name == "" || ver == "" {
		return "", ""
	}
	return name, ver
}

// compareVersions orders dotted numeric versions; non-numeric segments
// compare as strings. Empty strings sort lowest.
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	return len(as) - len(bs)
}
