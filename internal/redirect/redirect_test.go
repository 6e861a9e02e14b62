package redirect

import (
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

func session(model string) *gateway.ProxySession {
	return &gateway.ProxySession{
		Model:           model,
		OriginalModel:   model,
		RequestURL:      "/v1/messages",
		OriginalURLPath: "/v1/messages",
		Body:            []byte(`{"model":"` + model + `","messages":[]}`),
		ProviderChain:   []gateway.ProviderDecision{{AttemptIndex: 0}},
	}
}

func TestApply_Redirect(t *testing.T) {
	t.Parallel()
	s := session("claude-sonnet-4-5")
	p := &gateway.Provider{
		Type:           gateway.ProviderOpenAI,
		ModelRedirects: map[string]string{"claude-sonnet-4-5": "glm-4.6"},
	}

	Apply(s, p)

	if s.Model != "glm-4.6" {
		t.Errorf("model = %s", s.Model)
	}
	if got := gjson.GetBytes(s.Body, "model").String(); got != "glm-4.6" {
		t.Errorf("buffer model = %s", got)
	}
	d := s.LastDecision()
	if d.OriginalModel != "claude-sonnet-4-5" || d.RedirectedModel != "glm-4.6" {
		t.Errorf("decision = %+v", d)
	}
	if d.BillingModel != "claude-sonnet-4-5" {
		t.Errorf("billing model = %s, must stay the original", d.BillingModel)
	}
}

func TestApply_RestoreOnUnmappedProvider(t *testing.T) {
	t.Parallel()
	s := session("claude-sonnet-4-5")
	mapped := &gateway.Provider{
		Type:           gateway.ProviderOpenAI,
		ModelRedirects: map[string]string{"claude-sonnet-4-5": "glm-4.6"},
	}
	unmapped := &gateway.Provider{Type: gateway.ProviderClaude}

	Apply(s, mapped)
	if s.Model != "glm-4.6" {
		t.Fatal("redirect did not apply")
	}

	// Next attempt on a provider without a mapping restores the original.
	s.ProviderChain = append(s.ProviderChain, gateway.ProviderDecision{AttemptIndex: 1})
	Apply(s, unmapped)

	if s.Model != "claude-sonnet-4-5" {
		t.Errorf("model not restored: %s", s.Model)
	}
	if got := gjson.GetBytes(s.Body, "model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("buffer not restored: %s", got)
	}
}

func TestApply_GeminiURLRewrite(t *testing.T) {
	t.Parallel()
	s := session("gemini-2.5-pro")
	s.RequestURL = "/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse"
	s.OriginalURLPath = s.RequestURL
	p := &gateway.Provider{
		Type:           gateway.ProviderGemini,
		ModelRedirects: map[string]string{"gemini-2.5-pro": "gemini-2.5-flash"},
	}

	Apply(s, p)

	want := "/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse"
	if s.RequestURL != want {
		t.Errorf("url = %s, want %s", s.RequestURL, want)
	}

	// Restore puts the original path back.
	s.ProviderChain = append(s.ProviderChain, gateway.ProviderDecision{AttemptIndex: 1})
	Restore(s, p)
	if s.RequestURL != s.OriginalURLPath {
		t.Errorf("url not restored: %s", s.RequestURL)
	}
}
