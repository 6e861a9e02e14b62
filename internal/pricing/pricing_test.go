package pricing

import (
	"testing"

	gateway "github.com/eugener/palantir/internal"
)

func price(input, output float64) gateway.ModelPrice {
	return gateway.ModelPrice{Mode: "chat", InputCost: input, OutputCost: output}
}

func TestCalculate_BasicRates(t *testing.T) {
	t.Parallel()
	usage := gateway.TokenUsage{InputTokens: 1000, OutputTokens: 500}
	p := price(0.000003, 0.000015)

	got := Calculate(usage, p, Options{})
	// 1000*3e-6 + 500*15e-6 = 0.0105
	if got.String() != "0.0105" {
		t.Errorf("cost = %s, want 0.0105", got)
	}
}

func TestCalculate_Idempotent(t *testing.T) {
	t.Parallel()
	usage := gateway.TokenUsage{
		InputTokens:         12345,
		OutputTokens:        678,
		CacheCreationTokens: 4000,
		CacheReadTokens:     90000,
	}
	p := price(0.000003, 0.000015)

	a := Calculate(usage, p, Options{CacheTTL: CacheTTLMixed})
	b := Calculate(usage, p, Options{CacheTTL: CacheTTLMixed})
	if a.String() != b.String() {
		t.Errorf("recomputation differs: %s vs %s", a, b)
	}
}

func TestCalculate_DefaultCacheRates(t *testing.T) {
	t.Parallel()
	p := price(0.000004, 0.00002)

	// cache_5m defaults to input * 1.25
	got := Calculate(gateway.TokenUsage{CacheCreation5mTokens: 1000}, p, Options{})
	if got.String() != "0.005" {
		t.Errorf("5m cache cost = %s, want 0.005", got)
	}

	// cache_1h defaults to input * 2
	got = Calculate(gateway.TokenUsage{CacheCreation1hTokens: 1000}, p, Options{})
	if got.String() != "0.008" {
		t.Errorf("1h cache cost = %s, want 0.008", got)
	}

	// cache_read defaults to input * 0.1
	got = Calculate(gateway.TokenUsage{CacheReadTokens: 1000}, p, Options{})
	if got.String() != "0.0004" {
		t.Errorf("cache read cost = %s, want 0.0004", got)
	}
}

func TestCalculate_CacheReadFallsBackToOutput(t *testing.T) {
	t.Parallel()
	p := price(0, 0.00002)
	got := Calculate(gateway.TokenUsage{CacheReadTokens: 1000}, p, Options{})
	// output * 0.1 = 2e-6 per token
	if got.String() != "0.002" {
		t.Errorf("cache read cost = %s, want 0.002", got)
	}
}

func TestCalculate_ExplicitCacheRates(t *testing.T) {
	t.Parallel()
	c5m, c1h, cr := 0.00001, 0.00002, 0.000001
	p := gateway.ModelPrice{
		Mode:                "chat",
		InputCost:           0.000003,
		CacheCreationCost:   &c5m,
		CacheCreation1hCost: &c1h,
		CacheReadCost:       &cr,
	}
	usage := gateway.TokenUsage{
		CacheCreation5mTokens: 100,
		CacheCreation1hTokens: 200,
		CacheReadTokens:       300,
	}
	got := Calculate(usage, p, Options{})
	// 100*1e-5 + 200*2e-5 + 300*1e-6 = 0.0053
	if got.String() != "0.0053" {
		t.Errorf("cost = %s, want 0.0053", got)
	}
}

func TestCalculate_UnsplitAttribution(t *testing.T) {
	t.Parallel()
	p := price(0.000004, 0)
	usage := gateway.TokenUsage{
		CacheCreation5mTokens: 100,
		CacheCreationTokens:   1100, // 1000 unassigned
	}

	// Mixed (and 5m) attribute the remainder to the 5m tier: 1100 * 5e-6.
	got := Calculate(usage, p, Options{CacheTTL: CacheTTLMixed})
	if got.String() != "0.0055" {
		t.Errorf("mixed attribution = %s, want 0.0055", got)
	}

	// 1h attributes the remainder to the 1h tier: 100*5e-6 + 1000*8e-6.
	got = Calculate(usage, p, Options{CacheTTL: CacheTTL1h})
	if got.String() != "0.0085" {
		t.Errorf("1h attribution = %s, want 0.0085", got)
	}
}

func TestCalculate_Multiplier(t *testing.T) {
	t.Parallel()
	usage := gateway.TokenUsage{InputTokens: 1000}
	p := price(0.000003, 0)

	got := Calculate(usage, p, Options{Multiplier: 2})
	if got.String() != "0.006" {
		t.Errorf("doubled cost = %s, want 0.006", got)
	}
	got = Calculate(usage, p, Options{})
	if got.String() != "0.003" {
		t.Errorf("default multiplier cost = %s, want 0.003", got)
	}
}
