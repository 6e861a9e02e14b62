// Package proxy orchestrates the relay pipeline for one client request:
// session slot, version guard, filters, rate limit, provider selection and
// retry, response relay, error shaping and accounting.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/errclass"
	"github.com/eugener/palantir/internal/pricing"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/redisstore"
	"github.com/eugener/palantir/internal/reqfilter"
	"github.com/eugener/palantir/internal/selector"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/transform"
)

// bodyPool reuses buffers for request body reads.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (16 MB; multimodal
// payloads carry inline images).
const maxRequestBody = 16 << 20

// RequestRecorder accepts accounting rows asynchronously.
type RequestRecorder interface {
	Record(gateway.MessageRequest)
}

// Deps holds the pipeline's collaborators.
type Deps struct {
	Store       storage.Store
	Guard       *ratelimit.Guard
	Sessions    *session.Tracker
	Selector    *selector.Selector
	Executor    *selector.Executor
	Filters     *reqfilter.Engine
	Classifier  *errclass.Classifier
	Redis       *redisstore.Store
	Recorder    RequestRecorder
	Metrics     *telemetry.Metrics // nil = no metrics
	GAThreshold int
}

// Handler serves the relay endpoints.
type Handler struct {
	deps       Deps
	classifier *errclass.Classifier
	versions   *versionGuard
}

// NewHandler wires a relay Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:       deps,
		classifier: deps.Classifier,
		versions:   newVersionGuard(deps.Redis, deps.GAThreshold),
	}
}

// ServeHTTP runs the relay pipeline. Authentication has already happened in
// middleware; everything after the session slot runs with the slot held and
// the release deferred, so cancellation and panics still release it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope(gateway.FormatOpenAI, 401, "unauthorized"))
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	sess := h.newSession(r, identity, body)
	defer h.deps.Sessions.Release(ctx, identity.User.ID, identity.Key.ID, sess.SessionID)
	h.deps.Sessions.Acquire(ctx, identity.User.ID, identity.Key.ID, sess.SessionID)

	// Version guard is advisory and fail-open.
	h.versions.Observe(ctx, identity.User.ID, r.Header.Get("User-Agent"))

	// Pre-dispatch filters mutate headers and body in place.
	sess.Body = h.deps.Filters.Apply(sess.Headers, sess.Body)
	sess.Model = transform.ModelFromRequest(sess.OriginalFormat, sess.RequestURL, sess.Body)
	if sess.Model == "" {
		sess.Model = sess.OriginalModel
	}

	if err := h.deps.Guard.Ensure(ctx, identity, sess.SessionID); err != nil {
		var denial *gateway.RateLimitDenial
		if errors.As(err, &denial) {
			if h.deps.Metrics != nil {
				h.deps.Metrics.RateLimitRejects.WithLabelValues(string(denial.LimitType)).Inc()
			}
			writeDenial(w, denial)
			h.account(sess, http.StatusTooManyRequests, nil, denial.Error())
			return
		}
	}

	providers, err := h.deps.Store.ListProviders(ctx)
	if err != nil {
		slog.Error("provider list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope(sess.OriginalFormat, 500, "provider lookup failed"))
		h.account(sess, http.StatusInternalServerError, nil, err.Error())
		return
	}

	candidates := h.deps.Selector.Candidates(ctx, providers, sess)
	result, execErr := h.deps.Executor.Execute(ctx, w, sess, candidates)
	if execErr != nil {
		var perr *gateway.ProxyError
		if !errors.As(execErr, &perr) {
			perr = &gateway.ProxyError{StatusCode: 500, Message: execErr.Error(), Category: gateway.CategoryInternal}
		}
		h.writeProxyError(w, sess, perr)
		h.account(sess, perr.StatusCode, nil, perr.Error())
		return
	}

	h.finish(sess, result)
}

// newSession builds the per-request state.
func (h *Handler) newSession(r *http.Request, identity *gateway.Identity, body []byte) *gateway.ProxySession {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	format := transform.DetectFormat(r.URL.Path, body)
	model := transform.ModelFromRequest(format, r.URL.Path, body)

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = session.NewSessionID(identity.Key.ID)
	}

	return &gateway.ProxySession{
		Identity:        identity,
		RequestURL:      path,
		OriginalURLPath: path,
		Headers:         r.Header,
		Model:           model,
		OriginalModel:   model,
		Body:            body,
		Stream:          transform.IsStreamRequest(format, r.URL.Path, body),
		SessionID:       sessionID,
		OriginalFormat:  format,
		StartTime:       time.Now(),
	}
}

// finish computes the cost of a successful relay and records accounting.
func (h *Handler) finish(sess *gateway.ProxySession, result *selector.Result) {
	usage := gateway.TokenUsage{}
	if result.Usage != nil {
		usage = *result.Usage
	}

	cost := "0"
	// Accounting outlives the request context.
	ctx := context.Background()
	price, err := h.deps.Store.CurrentPrice(ctx, sess.OriginalModel)
	if err == nil {
		opts := pricing.Options{CacheTTL: cacheTTLFor(sess.Identity.Key)}
		d := pricing.Calculate(usage, *price, opts)
		cost = d.String()
		costF, _ := d.Float64()
		h.deps.Guard.RecordCost(ctx, sess.Identity, costF)
		if h.deps.Metrics != nil {
			h.deps.Metrics.CostAccrued.WithLabelValues(sess.OriginalModel).Add(costF)
		}
	} else if !errors.Is(err, gateway.ErrNotFound) {
		slog.Warn("price lookup failed", "model", sess.OriginalModel, "error", err)
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.TokensProcessed.WithLabelValues(sess.OriginalModel, "input").Add(float64(usage.InputTokens))
		h.deps.Metrics.TokensProcessed.WithLabelValues(sess.OriginalModel, "output").Add(float64(usage.OutputTokens))
	}

	row := h.row(sess, result.StatusCode, &usage, "")
	row.CostUSD = cost
	h.deps.Recorder.Record(row)
}

// account records a terminal (usually failed) request.
func (h *Handler) account(sess *gateway.ProxySession, status int, usage *gateway.TokenUsage, errMsg string) {
	h.deps.Recorder.Record(h.row(sess, status, usage, errMsg))
}

func (h *Handler) row(sess *gateway.ProxySession, status int, usage *gateway.TokenUsage, errMsg string) gateway.MessageRequest {
	row := gateway.MessageRequest{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        sess.Identity.User.ID,
		KeyID:         sess.Identity.Key.ID,
		Model:         sess.Model,
		OriginalModel: sess.OriginalModel,
		StatusCode:    status,
		DurationMs:    int(time.Since(sess.StartTime).Milliseconds()),
		CostUSD:       "0",
		SessionID:     sess.SessionID,
		Note:          sess.Note,
		ProviderChain: sess.ProviderChain,
		ErrorMessage:  errMsg,
		CreatedAt:     time.Now().UTC(),
	}
	if sess.Provider != nil {
		row.ProviderID = sess.Provider.ID
	}
	if usage != nil {
		row.Usage = *usage
	}
	return row
}

// cacheTTLFor maps the key's cache preference to the pricing attribution.
func cacheTTLFor(k *gateway.Key) pricing.CacheTTL {
	switch k.CacheTTLPreference {
	case "1h":
		return pricing.CacheTTL1h
	case "5m":
		return pricing.CacheTTL5m
	default:
		return pricing.CacheTTLMixed
	}
}

// readBody drains the request body through the shared pool.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		var maxErr *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorEnvelope(gateway.FormatOpenAI, status, "invalid request body"))
		return nil, false
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, true
}
