package errclass

import (
	"strings"
	"testing"

	gateway "github.com/eugener/palantir/internal"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want gateway.Format
	}{
		{"claude", `{"type":"error","error":{"type":"overloaded_error","message":"x"}}`, gateway.FormatClaude},
		{"gemini", `{"error":{"code":429,"message":"x","status":"RESOURCE_EXHAUSTED"}}`, gateway.FormatGemini},
		{"openai", `{"error":{"type":"server_error","message":"x"}}`, gateway.FormatOpenAI},
		{"openai with top-level type is not openai", `{"type":"thing","error":{"type":"a","message":"b"}}`, ""},
		{"missing error object", `{"type":"error"}`, ""},
		{"gemini code must be a number", `{"error":{"code":"429","message":"x","status":"S"}}`, ""},
		{"not json", `nope`, ""},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		if got := DetectFormat([]byte(tc.body)); got != tc.want {
			t.Errorf("%s: DetectFormat = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestValidateOverride(t *testing.T) {
	t.Parallel()
	if msg := ValidateOverride([]byte(`{"type":"error","error":{"type":"x","message":""}}`)); msg != "" {
		t.Errorf("valid claude shape rejected: %s", msg)
	}
	if msg := ValidateOverride([]byte(`{"hello":"world"}`)); msg == "" {
		t.Error("unshaped body accepted")
	}
	if msg := ValidateOverride(nil); msg == "" {
		t.Error("empty body accepted")
	}
	big := `{"type":"error","error":{"type":"x","message":"` + strings.Repeat("a", maxOverrideBytes) + `"}}`
	if msg := ValidateOverride([]byte(big)); msg == "" {
		t.Error("oversized body accepted")
	}

	// Validation and detection agree: valid iff a format is detected.
	for _, body := range []string{
		`{"type":"error","error":{"type":"x","message":"m"}}`,
		`{"error":{"code":500,"message":"m","status":"INTERNAL"}}`,
		`{"error":{"type":"x","message":"m"}}`,
		`{"nope":1}`,
	} {
		valid := IsValidOverride([]byte(body))
		detected := DetectFormat([]byte(body)) != ""
		if valid != detected {
			t.Errorf("validate/detect disagree for %s", body)
		}
	}
}

func TestCheckPattern(t *testing.T) {
	t.Parallel()
	if err := CheckPattern("quota exhausted", gateway.MatchContains); err != nil {
		t.Errorf("plain pattern rejected: %v", err)
	}
	if err := CheckPattern(`^5\d\d `, gateway.MatchRegex); err != nil {
		t.Errorf("valid regex rejected: %v", err)
	}
	if err := CheckPattern(`([`, gateway.MatchRegex); err == nil {
		t.Error("invalid regex accepted")
	}
	if err := CheckPattern(strings.Repeat("a", maxPatternLen+1), gateway.MatchContains); err == nil {
		t.Error("oversized pattern accepted")
	}
	if err := CheckPattern("", gateway.MatchExact); err == nil {
		t.Error("empty pattern accepted")
	}
}

func rules(rs ...gateway.ErrorRule) *Classifier {
	c := NewClassifier()
	c.Load(rs)
	return c
}

func TestClassify_FirstMatchByPriorityThenID(t *testing.T) {
	t.Parallel()
	c := rules(
		gateway.ErrorRule{ID: 2, Pattern: "boom", MatchType: gateway.MatchContains, Category: "upstream_5xx", Priority: 10, Enabled: true},
		gateway.ErrorRule{ID: 1, Pattern: "boom", MatchType: gateway.MatchContains, Category: "network", Priority: 10, Enabled: true},
		gateway.ErrorRule{ID: 3, Pattern: "boom", MatchType: gateway.MatchContains, Category: "timeout", Priority: 1, Enabled: true},
	)

	m := c.Classify([]byte("big boom happened"), "")
	if m == nil {
		t.Fatal("no match")
	}
	// Priority 1 beats priority 10 regardless of insertion order.
	if m.Category != "timeout" {
		t.Errorf("category = %s, want timeout", m.Category)
	}

	c = rules(
		gateway.ErrorRule{ID: 2, Pattern: "boom", MatchType: gateway.MatchContains, Category: "upstream_5xx", Priority: 10, Enabled: true},
		gateway.ErrorRule{ID: 1, Pattern: "boom", MatchType: gateway.MatchContains, Category: "network", Priority: 10, Enabled: true},
	)
	m = c.Classify([]byte("boom"), "")
	if m.Category != "network" {
		t.Errorf("equal priority: category = %s, want network (lower id)", m.Category)
	}
}

func TestClassify_MatchTypes(t *testing.T) {
	t.Parallel()
	c := rules(
		gateway.ErrorRule{ID: 1, Pattern: "exact text", MatchType: gateway.MatchExact, Category: "a", Enabled: true},
		gateway.ErrorRule{ID: 2, Pattern: `quota.*exhausted`, MatchType: gateway.MatchRegex, Category: "b", Enabled: true},
		gateway.ErrorRule{ID: 3, Pattern: "partial", MatchType: gateway.MatchContains, Category: "c", Enabled: true},
	)

	if m := c.Classify([]byte("exact text"), ""); m == nil || m.Category != "a" {
		t.Error("exact match failed")
	}
	if m := c.Classify([]byte("exact text plus"), ""); m != nil && m.Category == "a" {
		t.Error("exact matched a superstring")
	}
	if m := c.Classify([]byte("your quota is exhausted"), ""); m == nil || m.Category != "b" {
		t.Error("regex match failed")
	}
	if m := c.Classify(nil, "contains partial text"); m == nil || m.Category != "c" {
		t.Error("message-side contains match failed")
	}
}

func TestClassify_DisabledRulesSkipped(t *testing.T) {
	t.Parallel()
	c := rules(gateway.ErrorRule{ID: 1, Pattern: "x", MatchType: gateway.MatchContains, Category: "a", Enabled: false})
	if m := c.Classify([]byte("x"), ""); m != nil {
		t.Error("disabled rule matched")
	}
}

func TestClassify_OverrideFields(t *testing.T) {
	t.Parallel()
	code := 402
	badCode := 200
	override := []byte(`{"type":"error","error":{"type":"payment_required","message":""}}`)
	c := rules(
		gateway.ErrorRule{ID: 1, Pattern: "quota exhausted", MatchType: gateway.MatchContains,
			Category: "upstream_4xx", OverrideStatusCode: &code, OverrideResponse: override, Enabled: true},
		gateway.ErrorRule{ID: 2, Pattern: "out of range", MatchType: gateway.MatchContains,
			Category: "internal", OverrideStatusCode: &badCode, Enabled: true},
	)

	m := c.Classify([]byte("backend quota exhausted for org"), "")
	if m == nil {
		t.Fatal("no match")
	}
	if m.OverrideStatusCode != 402 {
		t.Errorf("override status = %d", m.OverrideStatusCode)
	}
	if len(m.OverrideResponse) == 0 {
		t.Error("override response missing")
	}

	// A status outside [400,599] is dropped at runtime.
	m = c.Classify([]byte("out of range"), "")
	if m.OverrideStatusCode != 0 {
		t.Errorf("invalid override status survived: %d", m.OverrideStatusCode)
	}
}
