package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/errclass"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/redisstore"
	"github.com/eugener/palantir/internal/reqfilter"
	"github.com/eugener/palantir/internal/selector"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/testutil"
	"github.com/eugener/palantir/internal/timewin"
	"github.com/eugener/palantir/internal/transform"
)

type pipelineFixture struct {
	handler  *Handler
	store    *sqlite.Store
	recorder *testutil.CaptureRecorder
	sessions *session.Tracker
	redis    *redisstore.Store
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	clock := timewin.New("UTC")
	redis := redisstore.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), clock)
	sessions := session.New(redis)
	store := testutil.NewStore(t)
	breakers := circuitbreaker.NewRegistry(redis)
	recorder := &testutil.CaptureRecorder{}

	handler := NewHandler(Deps{
		Store:      store,
		Guard:      ratelimit.New(redis, sessions, clock, true),
		Sessions:   sessions,
		Selector:   selector.New(breakers),
		Executor:   selector.NewExecutor(transform.NewRegistry(), breakers, selector.NewClientPool(nil), nil),
		Filters:    reqfilter.NewEngine(),
		Classifier: errclass.NewClassifier(),
		Redis:      redis,
		Recorder:   recorder,
	})
	return &pipelineFixture{handler: handler, store: store, recorder: recorder, sessions: sessions, redis: redis}
}

func (f *pipelineFixture) do(t *testing.T, id *gateway.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(gateway.ContextWithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func seedPrice(t *testing.T, store *sqlite.Store, model string) {
	t.Helper()
	_, err := store.ImportPrices(context.Background(), []gateway.ModelPrice{{
		ModelName:  model,
		Mode:       "chat",
		InputCost:  0.000003,
		OutputCost: 0.000015,
		RawJSON:    `{"model":"` + model + `"}`,
	}})
	if err != nil {
		t.Fatal(err)
	}
}

// TestPipeline_RedirectAndBilling relays a claude-format request through a
// provider that redirects the model: the upstream sees the redirected model,
// the accounting row keeps both names, and cost uses the original model's
// price.
func TestPipeline_RedirectAndBilling(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var upstreamModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamModel = gjson.GetBytes(mustRead(r), "model").String()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m1","type":"message","role":"assistant","model":"glm-4.6",
			"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":1000,"output_tokens":500}}`))
	}))
	defer upstream.Close()

	id, _ := testutil.SeedIdentity(t, f.store, gateway.PolicySet{}, gateway.PolicySet{})
	testutil.SeedProvider(t, f.store, "p1", gateway.ProviderClaude, upstream.URL, func(p *gateway.Provider) {
		p.ModelRedirects = map[string]string{"claude-sonnet-4-5": "glm-4.6"}
	})
	seedPrice(t, f.store, "claude-sonnet-4-5")

	rec := f.do(t, id, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if upstreamModel != "glm-4.6" {
		t.Errorf("upstream saw model %q, want glm-4.6", upstreamModel)
	}

	rows := f.recorder.Rows()
	if len(rows) != 1 {
		t.Fatalf("accounting rows = %d", len(rows))
	}
	row := rows[0]
	if row.Model != "glm-4.6" || row.OriginalModel != "claude-sonnet-4-5" {
		t.Errorf("row models = %s / %s", row.Model, row.OriginalModel)
	}
	// 1000*3e-6 + 500*15e-6, priced by the ORIGINAL model.
	if row.CostUSD != "0.0105" {
		t.Errorf("cost = %s, want 0.0105", row.CostUSD)
	}
	if len(row.ProviderChain) != 1 || row.ProviderChain[0].BillingModel != "claude-sonnet-4-5" {
		t.Errorf("chain = %+v", row.ProviderChain)
	}
}

// TestPipeline_RPMDenial drives the user over an RPM limit and checks the
// standardized 429 contract: body fields and the X-RateLimit headers.
func TestPipeline_RPMDenial(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m1","type":"message","role":"assistant","model":"m",
			"content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	rpm := int64(3)
	id, _ := testutil.SeedIdentity(t, f.store, gateway.PolicySet{RPM: &rpm}, gateway.PolicySet{})
	testutil.SeedProvider(t, f.store, "p1", gateway.ProviderClaude, upstream.URL, nil)

	body := `{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"x"}]}`
	for i := range 3 {
		if rec := f.do(t, id, http.MethodPost, "/v1/messages", body); rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i+1, rec.Code)
		}
	}

	rec := f.do(t, id, http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th call status = %d", rec.Code)
	}

	resp := rec.Body.Bytes()
	if gjson.GetBytes(resp, "error.limit_type").String() != "rpm" {
		t.Errorf("limit_type = %s", gjson.GetBytes(resp, "error.limit_type").String())
	}
	if gjson.GetBytes(resp, "error.current").Float() != 4 || gjson.GetBytes(resp, "error.limit").Float() != 3 {
		t.Errorf("current/limit = %s", gjson.GetBytes(resp, "error").Raw)
	}
	if gjson.GetBytes(resp, "error.code").String() != "rate_limit_exceeded" {
		t.Error("code field missing")
	}

	// Header contract: Remaining = max(0, limit-current), Reset is unix
	// seconds of reset_time, Retry-After counts down to it.
	h := rec.Header()
	if h.Get("X-Ratelimit-Remaining") != "0" {
		t.Errorf("remaining = %s", h.Get("X-Ratelimit-Remaining"))
	}
	if h.Get("X-Ratelimit-Type") != "rpm" {
		t.Errorf("type header = %s", h.Get("X-Ratelimit-Type"))
	}
	resetUnix, err := strconv.ParseInt(h.Get("X-Ratelimit-Reset"), 10, 64)
	if err != nil {
		t.Fatalf("reset header = %q", h.Get("X-Ratelimit-Reset"))
	}
	retryAfter, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil {
		t.Fatalf("retry-after = %q", h.Get("Retry-After"))
	}
	if retryAfter < 0 || retryAfter > 60 {
		t.Errorf("retry-after = %d, want within a minute", retryAfter)
	}
	resetISO := gjson.GetBytes(resp, "error.reset_time").String()
	parsed, err := time.Parse(time.RFC3339, resetISO)
	if err != nil {
		t.Fatalf("reset_time = %q", resetISO)
	}
	if parsed.Unix() != resetUnix {
		t.Errorf("reset header %d != body %d", resetUnix, parsed.Unix())
	}

	// Denials are accounted too.
	last := f.recorder.Rows()[len(f.recorder.Rows())-1]
	if last.StatusCode != http.StatusTooManyRequests {
		t.Errorf("denial row status = %d", last.StatusCode)
	}
}

// TestPipeline_ErrorOverride reproduces the override flow: a 500 whose body
// matches a contains-rule is rewritten to the rule's status and template,
// with the empty template message replaced by the upstream's.
func TestPipeline_ErrorOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"type":"server_error","message":"org quota exhausted, try later"}}`))
	}))
	defer upstream.Close()

	id, _ := testutil.SeedIdentity(t, f.store, gateway.PolicySet{}, gateway.PolicySet{})
	testutil.SeedProvider(t, f.store, "p1", gateway.ProviderClaude, upstream.URL, nil)

	f.handler.classifier.Load([]gateway.ErrorRule{{
		ID:                 1,
		Pattern:            "quota exhausted",
		MatchType:          gateway.MatchContains,
		Category:           "upstream_4xx",
		OverrideStatusCode: intPtr(402),
		OverrideResponse:   []byte(`{"type":"error","error":{"type":"billing_error","message":""}}`),
		Enabled:            true,
	}})

	rec := f.do(t, id, http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"x"}]}`)

	if rec.Code != 402 {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	resp := rec.Body.Bytes()
	if gjson.GetBytes(resp, "type").String() != "error" {
		t.Errorf("body = %s", resp)
	}
	if gjson.GetBytes(resp, "error.type").String() != "billing_error" {
		t.Errorf("error.type = %s", gjson.GetBytes(resp, "error.type").String())
	}
	// The template's empty message takes the original upstream message.
	if got := gjson.GetBytes(resp, "error.message").String(); got != "org quota exhausted, try later" {
		t.Errorf("error.message = %q", got)
	}
}

// TestPipeline_SessionSlotReleased asserts the session slot acquired for a
// request is released when the request fails.
func TestPipeline_SessionSlotReleased(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, _ := testutil.SeedIdentity(t, f.store, gateway.PolicySet{}, gateway.PolicySet{})
	// No providers seeded: the request fails with 503.
	rec := f.do(t, id, http.MethodPost, "/v1/messages", `{"model":"m","max_tokens":1,"messages":[]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	if n := f.sessions.KeySessionCount(context.Background(), id.Key.ID); n != 0 {
		t.Errorf("session slot leaked: %d active", n)
	}
}

func mustRead(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}

func intPtr(v int) *int { return &v }
