package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/errclass"
)

// Pre-allocated header value slice; direct map assignment avoids the
// []string{v} alloc that Header.Set creates.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data) //nolint:errcheck
}

// writeDenial emits the standardized 429. Every client family receives the
// same seven-field body; only the headers vary with the denial.
func writeDenial(w http.ResponseWriter, d *gateway.RateLimitDenial) {
	h := w.Header()
	h["X-Ratelimit-Limit"] = []string{strconv.FormatFloat(d.Limit, 'f', -1, 64)}
	remaining := d.Limit - d.Current
	if remaining < 0 {
		remaining = 0
	}
	h["X-Ratelimit-Remaining"] = []string{strconv.FormatFloat(remaining, 'f', -1, 64)}
	h["X-Ratelimit-Type"] = []string{string(d.LimitType)}

	var resetISO string
	if !d.ResetTime.IsZero() {
		h["X-Ratelimit-Reset"] = []string{strconv.FormatInt(d.ResetTime.Unix(), 10)}
		retryAfter := int64(time.Until(d.ResetTime).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		h["Retry-After"] = []string{strconv.FormatInt(retryAfter, 10)}
		resetISO = d.ResetTime.UTC().Format(time.RFC3339)
	}

	body := map[string]any{
		"error": map[string]any{
			"type":       "rate_limit_error",
			"message":    "rate limit exceeded: " + string(d.LimitType),
			"code":       "rate_limit_exceeded",
			"limit_type": string(d.LimitType),
			"current":    d.Current,
			"limit":      d.Limit,
			"reset_time": resetISO,
		},
	}
	writeJSON(w, http.StatusTooManyRequests, body)
}

// writeProxyError shapes a terminal upstream failure for the client:
// override first, then the generic envelope of the client's protocol family.
func (h *Handler) writeProxyError(w http.ResponseWriter, sess *gateway.ProxySession, perr *gateway.ProxyError) {
	status := perr.StatusCode
	if status == 0 {
		status = lastChainStatus(sess)
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}

	message := perr.Message
	if len(perr.UpstreamBody) > 0 {
		if m := upstreamMessage(perr.UpstreamBody); m != "" {
			message = m
		}
	}

	if perr.UpstreamRequestID != "" {
		w.Header().Set("Request-Id", perr.UpstreamRequestID)
	}

	if match := h.classifier.Classify(perr.UpstreamBody, message); match != nil {
		perr.Category = match.Category
		if match.OverrideStatusCode != 0 {
			status = match.OverrideStatusCode
		}
		if len(match.OverrideResponse) > 0 {
			// Re-validate at emission; rules can predate shape checks.
			if errclass.IsValidOverride(match.OverrideResponse) {
				body := substituteEmptyMessage(match.OverrideResponse, message)
				w.Header()["Content-Type"] = jsonCT
				w.WriteHeader(status)
				w.Write(body) //nolint:errcheck
				return
			}
			slog.Warn("error override rejected at emission", "rule_id", match.Rule.ID)
		}
	}

	// No override: keep the upstream body when it already matches a known
	// error shape, else build the default envelope.
	if len(perr.UpstreamBody) > 0 && errclass.DetectFormat(perr.UpstreamBody) != "" {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(status)
		w.Write(perr.UpstreamBody) //nolint:errcheck
		return
	}

	writeJSON(w, status, errorEnvelope(sess.OriginalFormat, status, message))
}

// lastChainStatus returns the last non-200 status recorded in the decision
// chain, or 0.
func lastChainStatus(sess *gateway.ProxySession) int {
	for i := len(sess.ProviderChain) - 1; i >= 0; i-- {
		if code := sess.ProviderChain[i].StatusCode; code != 0 && code != http.StatusOK {
			return code
		}
	}
	return 0
}

// upstreamMessage digs a human-readable message out of an upstream error
// body.
func upstreamMessage(body []byte) string {
	if m := gjson.GetBytes(body, "error.message"); m.Type == gjson.String {
		return m.String()
	}
	return ""
}

// substituteEmptyMessage fills an override template's empty error.message
// with the original upstream message.
func substituteEmptyMessage(body []byte, original string) []byte {
	if m := gjson.GetBytes(body, "error.message"); m.Type == gjson.String && m.String() == "" {
		if out, err := sjson.SetBytes(body, "error.message", original); err == nil {
			return out
		}
	}
	return body
}

// errorTypeForStatus maps HTTP statuses onto the error.type vocabulary.
func errorTypeForStatus(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	case 500:
		return "internal_server_error"
	case 502:
		return "bad_gateway_error"
	case 503:
		return "service_unavailable_error"
	case 504:
		return "gateway_timeout_error"
	default:
		return "api_error"
	}
}

// errorEnvelope builds the default error body in the client's protocol
// family.
func errorEnvelope(format gateway.Format, status int, message string) any {
	if message == "" {
		message = http.StatusText(status)
	}
	switch format {
	case gateway.FormatClaude:
		return map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    errorTypeForStatus(status),
				"message": message,
			},
		}
	case gateway.FormatGemini, gateway.FormatGeminiCLI:
		return map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": message,
				"status":  geminiStatusName(status),
			},
		}
	default:
		return map[string]any{
			"error": map[string]any{
				"type":    errorTypeForStatus(status),
				"message": message,
			},
		}
	}
}

func geminiStatusName(status int) string {
	switch status {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 503:
		return "UNAVAILABLE"
	case 504:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
