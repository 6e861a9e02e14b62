package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func seedUser(t *testing.T, s *Store, id string, policy gateway.PolicySet) *gateway.User {
	t.Helper()
	u := &gateway.User{ID: id, Name: id, Role: "user", Enabled: true, Policy: policy, CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func seedKey(t *testing.T, s *Store, id, userID string, policy gateway.PolicySet) *gateway.Key {
	t.Helper()
	raw := gateway.NewAPIKey()
	k := &gateway.Key{
		ID: id, UserID: userID, Name: id,
		KeyHash: gateway.HashKey(raw), KeyPrefix: raw[:12],
		Policy: policy, CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateKey(context.Background(), k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	seedUser(t, s, "u1", gateway.PolicySet{LimitDailyUSD: f64(5), DailyResetMode: "fixed", DailyResetTime: "07:00"})

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Policy.LimitDailyUSD == nil || *got.Policy.LimitDailyUSD != 5 {
		t.Errorf("policy = %+v", got.Policy)
	}
	if got.Policy.DailyResetTime != "07:00" {
		t.Errorf("reset time = %s", got.Policy.DailyResetTime)
	}

	if err := s.SoftDeleteUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("soft-deleted user still visible: %v", err)
	}
}

func TestKeyPolicySubsetEnforced(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	seedUser(t, s, "u1", gateway.PolicySet{LimitDailyUSD: f64(10)})

	raw := gateway.NewAPIKey()
	k := &gateway.Key{
		ID: "k1", UserID: "u1", KeyHash: gateway.HashKey(raw), KeyPrefix: raw[:12],
		Policy:    gateway.PolicySet{LimitDailyUSD: f64(20)}, // exceeds the owner
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateKey(context.Background(), k); !errors.Is(err, gateway.ErrPolicyExceedsUser) {
		t.Errorf("oversized key policy accepted: %v", err)
	}

	k.Policy = gateway.PolicySet{LimitDailyUSD: f64(5)}
	if err := s.CreateKey(context.Background(), k); err != nil {
		t.Errorf("valid key policy rejected: %v", err)
	}
}

func TestLastKeyCannotBeDeleted(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", gateway.PolicySet{})
	seedKey(t, s, "k1", "u1", gateway.PolicySet{})
	seedKey(t, s, "k2", "u1", gateway.PolicySet{})

	if err := s.SoftDeleteKey(ctx, "k1"); err != nil {
		t.Fatalf("deleting one of two keys: %v", err)
	}
	if err := s.SoftDeleteKey(ctx, "k2"); !errors.Is(err, gateway.ErrLastKey) {
		t.Errorf("last key deletion = %v, want ErrLastKey", err)
	}
}

func TestGetKeyByHash(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", gateway.PolicySet{})
	k := seedKey(t, s, "k1", "u1", gateway.PolicySet{})

	got, err := s.GetKeyByHash(ctx, k.KeyHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "k1" || got.UserID != "u1" {
		t.Errorf("key = %+v", got)
	}
	if _, err := s.GetKeyByHash(ctx, "missing"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing hash = %v", err)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	p := &gateway.Provider{
		ID: "p1", Name: "main", Type: gateway.ProviderCodex, URL: "https://up.example",
		Credential: "secret", Enabled: true, Priority: 2, Weight: 7,
		Group:          "premium",
		ModelRedirects: map[string]string{"a": "b"},
		Breaker:        gateway.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1},
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProvider(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != gateway.ProviderCodex || got.ModelRedirects["a"] != "b" {
		t.Errorf("provider = %+v", got)
	}
	if got.Breaker.OpenDuration != time.Minute {
		t.Errorf("breaker = %+v", got.Breaker)
	}

	if err := s.SoftDeleteProvider(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if list, _ := s.ListProviders(ctx); len(list) != 0 {
		t.Errorf("deleted provider listed: %d", len(list))
	}
}

func TestImportPricesIdempotent(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	prices := []gateway.ModelPrice{{
		ModelName: "m", Mode: "chat", InputCost: 1e-6, OutputCost: 2e-6,
		RawJSON: `{"input_cost_per_token":1e-06,"mode":"chat","output_cost_per_token":2e-06}`,
	}}

	n, err := s.ImportPrices(ctx, prices)
	if err != nil || n != 1 {
		t.Fatalf("first import: n=%d err=%v", n, err)
	}
	// Same payload: no new row.
	n, err = s.ImportPrices(ctx, prices)
	if err != nil || n != 0 {
		t.Fatalf("re-import: n=%d err=%v", n, err)
	}
	// Changed payload: appended.
	prices[0].RawJSON = `{"input_cost_per_token":5e-06,"mode":"chat"}`
	prices[0].InputCost = 5e-6
	n, err = s.ImportPrices(ctx, prices)
	if err != nil || n != 1 {
		t.Fatalf("changed import: n=%d err=%v", n, err)
	}

	current, err := s.CurrentPrice(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if current.InputCost != 5e-6 {
		t.Errorf("current price input = %v, want the latest", current.InputCost)
	}
}

func TestInsertRequests(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	records := []gateway.MessageRequest{{
		ID: "r1", UserID: "u1", KeyID: "k1", ProviderID: "p1",
		Model: "glm-4.6", OriginalModel: "claude-sonnet-4-5",
		StatusCode: 200, DurationMs: 120,
		Usage:   gateway.TokenUsage{InputTokens: 10, OutputTokens: 5},
		CostUSD: "0.000105", SessionID: "s1",
		ProviderChain: []gateway.ProviderDecision{{ProviderID: "p1", AttemptIndex: 0}},
		CreatedAt:     time.Now().UTC(),
	}}
	if err := s.InsertRequests(ctx, records); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRequests(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestErrorRulesAndFilters(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	code := 402
	rule := &gateway.ErrorRule{
		Pattern: "quota", MatchType: gateway.MatchContains, Category: "upstream_4xx",
		OverrideStatusCode: &code, Enabled: true, Priority: 10,
	}
	if err := s.CreateErrorRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	if rule.ID == 0 {
		t.Error("rule id not assigned")
	}

	bad := 200
	if err := s.CreateErrorRule(ctx, &gateway.ErrorRule{
		Pattern: "x", MatchType: gateway.MatchExact, OverrideStatusCode: &bad,
	}); err == nil {
		t.Error("out-of-range override status accepted")
	}

	rules, err := s.ListErrorRules(ctx)
	if err != nil || len(rules) != 1 {
		t.Fatalf("rules = %d err = %v", len(rules), err)
	}
	if rules[0].OverrideStatusCode == nil || *rules[0].OverrideStatusCode != 402 {
		t.Errorf("rule = %+v", rules[0])
	}

	filter := &gateway.RequestFilter{
		Scope: gateway.ScopeHeader, Action: gateway.ActionRemove, Target: "X-Noise",
		Priority: 1, Enabled: true,
	}
	if err := s.CreateRequestFilter(ctx, filter); err != nil {
		t.Fatal(err)
	}
	filters, err := s.ListRequestFilters(ctx)
	if err != nil || len(filters) != 1 {
		t.Fatalf("filters = %d err = %v", len(filters), err)
	}
	if err := s.DeleteRequestFilter(ctx, filter.ID); err != nil {
		t.Fatal(err)
	}
}
