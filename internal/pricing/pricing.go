// Package pricing computes request costs from token usage and model price
// records. All arithmetic is exact decimal; results are rounded to 15
// fractional digits so recomputation is bit-stable.
package pricing

import (
	"github.com/shopspring/decimal"

	gateway "github.com/eugener/palantir/internal"
)

// CostScale is the number of fractional digits kept on a final cost.
const CostScale = 15

// CacheTTL attributes unsplit cache-creation tokens to a rate tier.
type CacheTTL string

const (
	CacheTTL5m    CacheTTL = "5m"
	CacheTTL1h    CacheTTL = "1h"
	CacheTTLMixed CacheTTL = "mixed" // attributed to the 5m tier
)

// Options tune a single cost calculation.
type Options struct {
	CacheTTL   CacheTTL // attribution for unsplit cache-creation tokens
	Multiplier float64  // 0 means 1.0
}

// Calculate returns the cost in USD for the given usage at the given price,
// as a decimal rounded to CostScale fractional digits. Pure function, no I/O.
func Calculate(usage gateway.TokenUsage, price gateway.ModelPrice, opts Options) decimal.Decimal {
	input := decimal.NewFromFloat(price.InputCost)
	output := decimal.NewFromFloat(price.OutputCost)

	// Default cache rates derive from the input rate; cache_read falls back
	// to the output rate when no input rate is present.
	cache5m := input.Mul(decimal.NewFromFloat(1.25))
	if price.CacheCreationCost != nil {
		cache5m = decimal.NewFromFloat(*price.CacheCreationCost)
	}
	cache1h := input.Mul(decimal.NewFromInt(2))
	if price.CacheCreation1hCost != nil {
		cache1h = decimal.NewFromFloat(*price.CacheCreation1hCost)
	}
	var cacheRead decimal.Decimal
	switch {
	case price.CacheReadCost != nil:
		cacheRead = decimal.NewFromFloat(*price.CacheReadCost)
	case price.InputCost != 0:
		cacheRead = input.Mul(decimal.NewFromFloat(0.1))
	default:
		cacheRead = output.Mul(decimal.NewFromFloat(0.1))
	}

	c5m, c1h := attributeCacheCreation(usage, opts.CacheTTL)

	cost := decimal.NewFromInt(int64(usage.InputTokens)).Mul(input).
		Add(decimal.NewFromInt(int64(usage.OutputTokens)).Mul(output)).
		Add(decimal.NewFromInt(c5m).Mul(cache5m)).
		Add(decimal.NewFromInt(c1h).Mul(cache1h)).
		Add(decimal.NewFromInt(int64(usage.CacheReadTokens)).Mul(cacheRead))

	if opts.Multiplier != 0 && opts.Multiplier != 1 {
		cost = cost.Mul(decimal.NewFromFloat(opts.Multiplier))
	}
	return cost.Round(CostScale)
}

// attributeCacheCreation splits usage.CacheCreationTokens (an unsplit total)
// across the 5m/1h tiers. Explicit 5m/1h counts are kept; any remainder of
// the unsplit total lands on the tier named by ttl (mixed -> 5m).
func attributeCacheCreation(usage gateway.TokenUsage, ttl CacheTTL) (c5m, c1h int64) {
	c5m = int64(usage.CacheCreation5mTokens)
	c1h = int64(usage.CacheCreation1hTokens)
	remainder := int64(usage.CacheCreationTokens) - c5m - c1h
	if remainder <= 0 {
		return c5m, c1h
	}
	if ttl == CacheTTL1h {
		return c5m, c1h + remainder
	}
	return c5m + remainder, c1h
}
