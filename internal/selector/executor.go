package selector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/cloudauth"
	"github.com/eugener/palantir/internal/redirect"
	"github.com/eugener/palantir/internal/sseutil"
	"github.com/eugener/palantir/internal/transform"
)

// maxErrorBody caps how much of a failed upstream response is retained for
// classification and accounting.
const maxErrorBody = 64 * 1024

// Result describes a successful relay.
type Result struct {
	Provider   *gateway.Provider
	StatusCode int
	Usage      *gateway.TokenUsage
	Streamed   bool
}

// Executor drives the per-request attempt loop across candidates.
type Executor struct {
	registry *transform.Registry
	breakers *circuitbreaker.Registry
	pool     *ClientPool
	auth     *cloudauth.TokenCache
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(registry *transform.Registry, breakers *circuitbreaker.Registry, pool *ClientPool, auth *cloudauth.TokenCache) *Executor {
	return &Executor{registry: registry, breakers: breakers, pool: pool, auth: auth}
}

// Execute tries each candidate in order until one succeeds. On success the
// upstream response is relayed to w (translated back to the client format as
// needed) and a Result returned. On exhaustion it returns a *ProxyError
// describing the last failure; nothing has been written to w in that case.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, sess *gateway.ProxySession, candidates []*gateway.Provider) (*Result, error) {
	if len(candidates) == 0 {
		return nil, &gateway.ProxyError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "no provider available for request",
			Category:   gateway.CategoryCircuitOpen,
		}
	}

	var lastErr *gateway.ProxyError
	for i, p := range candidates {
		if ctx.Err() != nil {
			return nil, &gateway.ProxyError{
				StatusCode: 499,
				Message:    "client cancelled request",
				Category:   gateway.CategoryNetwork,
			}
		}

		sess.Provider = p
		sess.ProviderChain = append(sess.ProviderChain, gateway.ProviderDecision{
			ProviderID:     p.ID,
			ProviderName:   p.Name,
			ProviderType:   p.Type,
			DecisionReason: decisionReason(i, lastErr),
			AttemptIndex:   i,
		})
		redirect.Apply(sess, p)

		body, tr := e.translate(sess, p)
		resp, perr := e.forward(ctx, sess, p, body)
		if perr != nil {
			e.breakers.GetOrCreate(ctx, p).OnFailure(ctx)
			sess.LastDecision().StatusCode = perr.StatusCode
			lastErr = perr
			continue
		}

		switch {
		case resp.StatusCode < 400:
			e.breakers.GetOrCreate(ctx, p).OnSuccess(ctx)
			sess.LastDecision().StatusCode = resp.StatusCode
			return e.relay(ctx, w, sess, p, tr, resp)

		case resp.StatusCode == http.StatusTooManyRequests:
			// Saturated provider: try the next candidate, surface 429 if
			// none remains. Not a breaker failure.
			lastErr = upstreamError(resp, gateway.CategoryRateLimit)
			sess.LastDecision().StatusCode = resp.StatusCode

		case resp.StatusCode >= 500:
			e.breakers.GetOrCreate(ctx, p).OnFailure(ctx)
			lastErr = upstreamError(resp, gateway.CategoryUpstream5xx)
			sess.LastDecision().StatusCode = resp.StatusCode

		default:
			// Other 4xx: the request itself is bad; retrying another
			// provider will not change the answer.
			e.breakers.GetOrCreate(ctx, p).OnFailure(ctx)
			sess.LastDecision().StatusCode = resp.StatusCode
			return nil, upstreamError(resp, gateway.CategoryUpstream4xx)
		}
	}
	return nil, lastErr
}

func decisionReason(attempt int, lastErr *gateway.ProxyError) string {
	if attempt == 0 {
		return "selected"
	}
	if lastErr != nil {
		return fmt.Sprintf("failover: %s", lastErr.Category)
	}
	return "failover"
}

// translate produces the forwarded request body and the transformer whose
// response side will translate the reply. Unregistered pairs pass through.
func (e *Executor) translate(sess *gateway.ProxySession, p *gateway.Provider) ([]byte, *transform.Transformer) {
	target := p.Type.WireFormat()
	tr := e.registry.Lookup(sess.OriginalFormat, target)
	if tr == nil || tr.Request == nil {
		return sess.Body, tr
	}
	out, err := tr.Request(sess.Body)
	if err != nil {
		slog.Warn("request translation failed, forwarding original body",
			"from", string(sess.OriginalFormat),
			"to", string(target),
			"error", err.Error(),
		)
		return sess.Body, tr
	}
	return out, tr
}

// forward sends the request to the provider, optionally through its proxy
// with a single direct retry on transport errors.
func (e *Executor) forward(ctx context.Context, sess *gateway.ProxySession, p *gateway.Provider, body []byte) (*http.Response, *gateway.ProxyError) {
	client := e.pool.ForProxy(p.ProxyURL)
	resp, err := e.send(ctx, client, sess, p, body)
	if err != nil && p.ProxyURL != "" && p.ProxyFallbackToDirect {
		slog.Warn("proxy transport failed, retrying direct", "provider", p.Name, "error", err.Error())
		resp, err = e.send(ctx, e.pool.Direct(), sess, p, body)
	}
	if err != nil {
		category := gateway.CategoryNetwork
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			category = gateway.CategoryTimeout
			status = http.StatusGatewayTimeout
		}
		return nil, &gateway.ProxyError{
			StatusCode: status,
			Message:    err.Error(),
			Category:   category,
		}
	}
	return resp, nil
}

func (e *Executor) send(ctx context.Context, client *http.Client, sess *gateway.ProxySession, p *gateway.Provider, body []byte) (*http.Response, error) {
	url := strings.TrimSuffix(p.URL, "/") + upstreamPath(sess, p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyForwardHeaders(req.Header, sess.Headers)
	req.Header.Set("Content-Type", "application/json")
	SetAuthHeaders(req.Header, p, TokenFor(ctx, e.auth, p))
	return client.Do(req)
}

// upstreamPath picks the provider-relative path. Same-format relays keep the
// client's path; translated ones use the canonical endpoint of the target
// protocol.
func upstreamPath(sess *gateway.ProxySession, p *gateway.Provider) string {
	target := p.Type.WireFormat()
	if sess.OriginalFormat == target {
		return sess.RequestURL
	}
	switch target {
	case gateway.FormatClaude:
		return "/v1/messages"
	case gateway.FormatCodex:
		return "/v1/responses"
	case gateway.FormatGemini:
		action := "generateContent"
		if sess.Stream {
			action = "streamGenerateContent?alt=sse"
		}
		return "/v1beta/models/" + sess.Model + ":" + action
	case gateway.FormatGeminiCLI:
		if sess.Stream {
			return "/v1internal:streamGenerateContent"
		}
		return "/v1internal:generateContent"
	default:
		return "/v1/chat/completions"
	}
}

// hopByHop headers plus credentials are never forwarded upstream.
var skipForwardHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Authorization":       {},
	"X-Api-Key":           {},
	"Host":                {},
	"Content-Length":      {},
	"Accept-Encoding":     {},
}

func copyForwardHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, skip := skipForwardHeaders[key]; skip {
			continue
		}
		dst[key] = vals
	}
}

// relay streams or buffers the upstream response back to the client,
// translating when the formats differ.
func (e *Executor) relay(ctx context.Context, w http.ResponseWriter, sess *gateway.ProxySession, p *gateway.Provider, tr *transform.Transformer, resp *http.Response) (*Result, error) {
	defer resp.Body.Close()

	res := &Result{Provider: p, StatusCode: resp.StatusCode}
	upstreamFormat := p.Type.WireFormat()

	if sess.Stream && isEventStream(resp) {
		res.Streamed = true
		res.Usage = e.relayStream(ctx, w, sess, tr, upstreamFormat, resp)
		return res, nil
	}

	var body []byte
	var err error
	if isEventStream(resp) {
		// The client asked for a buffered reply but the upstream only
		// streams (Codex forces stream:true). Drain the stream and keep the
		// terminal event's payload as the response body.
		body, err = drainEventStream(resp.Body)
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, &gateway.ProxyError{
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("read upstream response: %v", err),
			Category:   gateway.CategoryNetwork,
		}
	}
	res.Usage = transform.ExtractUsage(upstreamFormat, body)
	if tr != nil && tr.NonStream != nil {
		translated, terr := tr.NonStream(body)
		if terr != nil {
			slog.Warn("response translation failed, forwarding raw body", "error", terr.Error())
		} else {
			body = translated
		}
	}

	w.Header()["Content-Type"] = []string{"application/json"}
	if reqID := resp.Header.Get("Request-Id"); reqID != "" {
		w.Header().Set("Request-Id", reqID)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body) //nolint:errcheck
	return res, nil
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// drainEventStream consumes an SSE body and returns the data payload of the
// last event, which carries the complete response on forced-stream upstreams.
func drainEventStream(body io.Reader) ([]byte, error) {
	var last []byte
	err := sseutil.Events(body, func(ev sseutil.Event) error {
		if ev.Data != "" && ev.Data != "[DONE]" {
			last = []byte(ev.Data)
		}
		return nil
	})
	return last, err
}

// relayStream pumps upstream SSE events to the client, translating per
// event. Passthrough still inspects events for usage.
func (e *Executor) relayStream(ctx context.Context, w http.ResponseWriter, sess *gateway.ProxySession, tr *transform.Transformer, upstreamFormat gateway.Format, resp *http.Response) *gateway.TokenUsage {
	sseutil.WriteHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	var usage *gateway.TokenUsage
	st := &transform.StreamState{}

	err := sseutil.Events(resp.Body, func(ev sseutil.Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var out []byte
		if tr != nil && tr.Stream != nil {
			chunk, terr := tr.Stream(ev, st)
			if terr != nil {
				return terr
			}
			out = chunk
		} else {
			if u := transform.ExtractStreamUsage(upstreamFormat, ev.Data); u != nil {
				usage = transform.MergeUsage(usage, u)
			}
			out = sseutil.FormatEvent(ev.Name, []byte(ev.Data))
		}
		if len(out) > 0 {
			if _, werr := w.Write(out); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("upstream stream ended with error", "error", err.Error())
	}

	if st.Usage != nil {
		usage = transform.MergeUsage(usage, st.Usage)
	}
	return usage
}

// upstreamError captures a failed response into a ProxyError.
func upstreamError(resp *http.Response, category gateway.ErrorCategory) *gateway.ProxyError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &gateway.ProxyError{
		StatusCode:        resp.StatusCode,
		Message:           http.StatusText(resp.StatusCode),
		UpstreamBody:      body,
		UpstreamRequestID: resp.Header.Get("Request-Id"),
		Category:          category,
	}
}
