// Package redirect rewrites the client-requested model to a provider's
// upstream model before dispatch, and restores the original on providers
// without a matching mapping. Billing always uses the original model name.
package redirect

import (
	"log/slog"
	"regexp"

	"github.com/tidwall/sjson"

	gateway "github.com/eugener/palantir/internal"
)

// urlModelPattern matches the model segment of Gemini-style URL paths:
// /models/{model} optionally followed by ":action".
var urlModelPattern = regexp.MustCompile(`(/models/)([^/:?]+)((?::[a-zA-Z]+)?)`)

// Apply rewrites the session for the chosen provider. With a matching
// mapping the model in the parsed request, the raw buffer and (for Gemini
// providers) the URL path are all rewritten; without one any previous
// provider's redirect is undone so the upstream sees what the client sent.
// The last provider-chain entry records the decision either way.
func Apply(s *gateway.ProxySession, p *gateway.Provider) {
	target, ok := p.ModelRedirects[s.OriginalModel]
	if !ok || target == "" {
		Restore(s, p)
		return
	}

	setModel(s, p, target)
	if d := s.LastDecision(); d != nil {
		d.OriginalModel = s.OriginalModel
		d.RedirectedModel = target
		d.BillingModel = s.OriginalModel
	}
}

// Restore resets the session to the client's original model and URL path.
func Restore(s *gateway.ProxySession, p *gateway.Provider) {
	if s.Model == s.OriginalModel && s.RequestURL == s.OriginalURLPath {
		if d := s.LastDecision(); d != nil {
			d.OriginalModel = s.OriginalModel
			d.BillingModel = s.OriginalModel
		}
		return
	}
	setModel(s, p, s.OriginalModel)
	s.RequestURL = s.OriginalURLPath
	if d := s.LastDecision(); d != nil {
		d.OriginalModel = s.OriginalModel
		d.BillingModel = s.OriginalModel
	}
}

// setModel rewrites the model everywhere it appears: parsed state, buffer,
// and the URL path for Gemini-family providers.
func setModel(s *gateway.ProxySession, p *gateway.Provider, model string) {
	s.Model = model

	if len(s.Body) > 0 {
		body, err := sjson.SetBytes(s.Body, "model", model)
		if err != nil {
			slog.Warn("model redirect: buffer rewrite failed", "error", err)
		} else {
			s.Body = body
		}
	}

	if p.Type == gateway.ProviderGemini || p.Type == gateway.ProviderGeminiCLI {
		s.RequestURL = urlModelPattern.ReplaceAllString(s.RequestURL, "${1}"+model+"${3}")
	}
}
