// Package selector picks candidate providers for a request and drives the
// attempt loop: redirect, translate, forward, classify, update the circuit
// breaker, and fail over until a candidate succeeds or the set is exhausted.
package selector

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/circuitbreaker"
)

// Selector filters and orders providers for dispatch.
type Selector struct {
	breakers *circuitbreaker.Registry
}

// New returns a Selector consulting the given breaker registry.
func New(breakers *circuitbreaker.Registry) *Selector {
	return &Selector{breakers: breakers}
}

// Candidates returns the eligible providers for the session, ordered by
// priority with a weighted-random tie-break. Within a priority tier,
// providers speaking the client's format natively come before those that
// need translation.
func (s *Selector) Candidates(ctx context.Context, providers []*gateway.Provider, sess *gateway.ProxySession) []*gateway.Provider {
	key := sess.Identity.Key

	var out []*gateway.Provider
	for _, p := range providers {
		if !p.Enabled || p.DeletedAt != nil {
			continue
		}
		if !groupAllowed(key.ProviderGroups, p.Group) {
			continue
		}
		if len(p.AllowedModels) > 0 && !slices.Contains(p.AllowedModels, sess.OriginalModel) {
			if _, redirected := p.ModelRedirects[sess.OriginalModel]; !redirected {
				continue
			}
		}
		if b := s.breakers.GetOrCreate(ctx, p); !b.Allow(ctx) {
			continue
		}
		out = append(out, p)
	}

	orderCandidates(out, sess.OriginalFormat)
	return out
}

// groupAllowed reports whether the key may use a provider in the given group.
// Keys without group restrictions may use any provider.
func groupAllowed(keyGroups []string, group string) bool {
	if len(keyGroups) == 0 {
		return true
	}
	return slices.Contains(keyGroups, group)
}

// orderCandidates sorts ascending by priority, preferring native-format
// providers within a tier, then shuffles weighted-random within remaining
// ties.
func orderCandidates(providers []*gateway.Provider, clientFormat gateway.Format) {
	// Weighted-random score per provider: priority dominates, native
	// format breaks priority ties, the weighted draw breaks the rest.
	type scored struct {
		p      *gateway.Provider
		native bool
		draw   float64
	}
	items := make([]scored, len(providers))
	for i, p := range providers {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		items[i] = scored{
			p:      p,
			native: p.Type.WireFormat() == clientFormat,
			// Exponential draw implements weighted random order: larger
			// weights tend toward smaller keys.
			draw: rand.ExpFloat64() / float64(w),
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].p.Priority != items[j].p.Priority {
			return items[i].p.Priority < items[j].p.Priority
		}
		if items[i].native != items[j].native {
			return items[i].native
		}
		return items[i].draw < items[j].draw
	})
	for i := range items {
		providers[i] = items[i].p
	}
}
