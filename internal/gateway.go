// Package gateway defines domain types and interfaces for the Palantir LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Wire formats ---

// Format identifies one of the chat/completion wire protocols the gateway
// speaks. Client formats and provider wire formats share this value space.
type Format string

const (
	FormatClaude    Format = "claude"
	FormatCodex     Format = "codex"
	FormatOpenAI    Format = "openai"
	FormatGemini    Format = "gemini"
	FormatGeminiCLI Format = "gemini-cli"
)

// ProviderType is the wire protocol an upstream provider speaks, plus the
// credential flavor used to reach it.
type ProviderType string

const (
	ProviderClaude     ProviderType = "claude"
	ProviderClaudeAuth ProviderType = "claude-auth"
	ProviderCodex      ProviderType = "codex"
	ProviderOpenAI     ProviderType = "openai-compatible"
	ProviderGemini     ProviderType = "gemini"
	ProviderGeminiCLI  ProviderType = "gemini-cli"
)

// WireFormat maps a provider type to the format it speaks on the wire.
func (t ProviderType) WireFormat() Format {
	switch t {
	case ProviderClaude, ProviderClaudeAuth:
		return FormatClaude
	case ProviderCodex:
		return FormatCodex
	case ProviderOpenAI:
		return FormatOpenAI
	case ProviderGemini:
		return FormatGemini
	case ProviderGeminiCLI:
		return FormatGeminiCLI
	default:
		return Format(t)
	}
}

// --- Tenancy ---

// User is a tenant account. Users own API keys and carry the user-level
// policy set.
type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      string     `json:"role"` // "admin" or "user"
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Policy    PolicySet  `json:"policy"`
	DeletedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}

// Key is an API credential owned by exactly one user. A user must retain at
// least one key; deleting the last one fails.
type Key struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Name               string     `json:"name"`
	KeyHash            string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix          string     `json:"key_prefix"` // first 12 chars for display
	Policy             PolicySet  `json:"policy"`
	ProviderGroups     []string   `json:"provider_groups,omitempty"` // subset of owner's; nil = unrestricted
	CacheTTLPreference string     `json:"cache_ttl_preference,omitempty"` // "", "5m", "1h"
	CanLoginWebUI      bool       `json:"can_login_web_ui"`
	DeletedAt          *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
}

// PolicySet holds rate and cost limits. Nil means unlimited. Every key value
// must be <= the owner's same-named value when both are set; stores enforce
// this on write.
type PolicySet struct {
	RPM                     *int64   `json:"rpm,omitempty"` // user level only
	Limit5hUSD              *float64 `json:"limit_5h_usd,omitempty"`
	LimitDailyUSD           *float64 `json:"limit_daily_usd,omitempty"`
	DailyResetMode          string   `json:"daily_reset_mode,omitempty"` // "fixed" or "rolling"
	DailyResetTime          string   `json:"daily_reset_time,omitempty"` // "HH:MM"
	LimitWeeklyUSD          *float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         *float64 `json:"limit_monthly_usd,omitempty"`
	LimitTotalUSD           *float64 `json:"limit_total_usd,omitempty"`
	LimitConcurrentSessions *int64   `json:"limit_concurrent_sessions,omitempty"`
}

// Merge returns k with nil fields inherited from the user policy u.
func (k PolicySet) Merge(u PolicySet) PolicySet {
	out := k
	if out.Limit5hUSD == nil {
		out.Limit5hUSD = u.Limit5hUSD
	}
	if out.LimitDailyUSD == nil {
		out.LimitDailyUSD = u.LimitDailyUSD
		if out.DailyResetMode == "" {
			out.DailyResetMode = u.DailyResetMode
		}
		if out.DailyResetTime == "" {
			out.DailyResetTime = u.DailyResetTime
		}
	}
	if out.LimitWeeklyUSD == nil {
		out.LimitWeeklyUSD = u.LimitWeeklyUSD
	}
	if out.LimitMonthlyUSD == nil {
		out.LimitMonthlyUSD = u.LimitMonthlyUSD
	}
	if out.LimitTotalUSD == nil {
		out.LimitTotalUSD = u.LimitTotalUSD
	}
	if out.LimitConcurrentSessions == nil {
		out.LimitConcurrentSessions = u.LimitConcurrentSessions
	}
	return out
}

// Subset reports whether every non-nil value in k is <= the same-named
// non-nil value in u.
func (k PolicySet) Subset(u PolicySet) bool {
	leq := func(kv, uv *float64) bool { return kv == nil || uv == nil || *kv <= *uv }
	leqi := func(kv, uv *int64) bool { return kv == nil || uv == nil || *kv <= *uv }
	return leq(k.Limit5hUSD, u.Limit5hUSD) &&
		leq(k.LimitDailyUSD, u.LimitDailyUSD) &&
		leq(k.LimitWeeklyUSD, u.LimitWeeklyUSD) &&
		leq(k.LimitMonthlyUSD, u.LimitMonthlyUSD) &&
		leq(k.LimitTotalUSD, u.LimitTotalUSD) &&
		leqi(k.LimitConcurrentSessions, u.LimitConcurrentSessions)
}

// --- Providers ---

// Provider is an upstream relay target.
type Provider struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Type                  ProviderType      `json:"provider_type"`
	URL                   string            `json:"url"`
	Credential            string            `json:"-"` // opaque; API key or OAuth refresh token
	Enabled               bool              `json:"is_enabled"`
	Priority              int               `json:"priority"` // lower = tried first
	Weight                int               `json:"weight"`   // random tie-break; <=0 treated as 1
	Group                 string            `json:"provider_group,omitempty"`
	ModelRedirects        map[string]string `json:"model_redirects,omitempty"`
	AllowedModels         []string          `json:"allowed_models,omitempty"` // nil = all
	ProxyURL              string            `json:"proxy_url,omitempty"`
	ProxyFallbackToDirect bool              `json:"proxy_fallback_to_direct"`
	AllowGlobalUsageView  bool              `json:"allow_global_usage_view"`
	Breaker               BreakerConfig     `json:"circuit_breaker"`
	DeletedAt             *time.Time        `json:"-"`
	CreatedAt             time.Time         `json:"created_at"`
}

// BreakerConfig holds per-provider circuit breaker parameters.
// Zero values fall back to the defaults (5 / 30m / 2).
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	OpenDuration             time.Duration `json:"open_duration"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
}

// --- Pricing ---

// ModelPrice is one row of the append-only per-model price history.
// Rates are USD per token.
type ModelPrice struct {
	ID                  string    `json:"id"`
	ModelName           string    `json:"model_name"`
	Mode                string    `json:"mode"` // "chat" is the selectable one
	InputCost           float64   `json:"input_cost_per_token"`
	OutputCost          float64   `json:"output_cost_per_token"`
	CacheCreationCost   *float64  `json:"cache_creation_input_token_cost,omitempty"`
	CacheCreation1hCost *float64  `json:"cache_creation_input_token_cost_above_1hr,omitempty"`
	CacheReadCost       *float64  `json:"cache_read_input_token_cost,omitempty"`
	RawJSON             string    `json:"-"` // canonical import payload, for idempotence
	CreatedAt           time.Time `json:"created_at"`
}

// TokenUsage is the token breakdown reported by (or derived from) an
// upstream response.
type TokenUsage struct {
	InputTokens           int `json:"input_tokens"`
	OutputTokens          int `json:"output_tokens"`
	CacheCreation5mTokens int `json:"cache_creation_5m_tokens"`
	CacheCreation1hTokens int `json:"cache_creation_1h_tokens"`
	CacheCreationTokens   int `json:"cache_creation_input_tokens"` // unsplit total when upstream gives no 5m/1h split
	CacheReadTokens       int `json:"cache_read_input_tokens"`
}

// --- Accounting ---

// ProviderDecision is one entry of the per-request decision chain.
type ProviderDecision struct {
	ProviderID      string       `json:"provider_id"`
	ProviderName    string       `json:"provider_name"`
	ProviderType    ProviderType `json:"provider_type"`
	DecisionReason  string       `json:"decision_reason"`
	AttemptIndex    int          `json:"attempt_index"`
	OriginalModel   string       `json:"original_model,omitempty"`
	RedirectedModel string       `json:"redirected_model,omitempty"`
	BillingModel    string       `json:"billing_model,omitempty"`
	StatusCode      int          `json:"status_code,omitempty"`
}

// MessageRequest is the accounting row written for every client request.
type MessageRequest struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	KeyID         string             `json:"key_id"`
	ProviderID    string             `json:"provider_id,omitempty"`
	Model         string             `json:"model"`
	OriginalModel string             `json:"original_model"`
	StatusCode    int                `json:"status_code"`
	DurationMs    int                `json:"duration_ms"`
	Usage         TokenUsage         `json:"usage"`
	CostUSD       string             `json:"cost_usd"` // fixed-precision decimal string
	SessionID     string             `json:"session_id"`
	Note          string             `json:"note,omitempty"`
	ProviderChain []ProviderDecision `json:"provider_chain,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	CreatedAt     time.Time          `json:"created_at"` // UTC
}

// --- Error rules and request filters ---

// MatchType selects how a rule pattern is applied.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

// ErrorRule maps upstream error text to a category and optional overrides.
type ErrorRule struct {
	ID                 int64           `json:"id"`
	Pattern            string          `json:"pattern"`
	MatchType          MatchType       `json:"match_type"`
	Category           string          `json:"category"`
	OverrideStatusCode *int            `json:"override_status_code,omitempty"` // [400,599]
	OverrideResponse   json.RawMessage `json:"override_response,omitempty"`
	Enabled            bool            `json:"is_enabled"`
	Default            bool            `json:"is_default"`
	Priority           int             `json:"priority"`
}

// FilterScope selects what a request filter mutates.
type FilterScope string

const (
	ScopeHeader FilterScope = "header"
	ScopeBody   FilterScope = "body"
)

// FilterAction is the mutation a request filter performs.
type FilterAction string

const (
	ActionRemove      FilterAction = "remove"
	ActionSet         FilterAction = "set"
	ActionJSONPath    FilterAction = "json_path"
	ActionTextReplace FilterAction = "text_replace"
)

// RequestFilter is a pre-dispatch header/body mutation rule.
type RequestFilter struct {
	ID          int64           `json:"id"`
	Scope       FilterScope     `json:"scope"`
	Action      FilterAction    `json:"action"`
	Target      string          `json:"target"`
	MatchType   MatchType       `json:"match_type,omitempty"` // text_replace only
	Replacement json.RawMessage `json:"replacement,omitempty"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"is_enabled"`
}

// --- Proxy session ---

// ProxySession is the in-memory state of one relay request. It is owned
// exclusively by the handler goroutine and dropped once the response has
// been emitted and accounting committed. Attempts mutate RequestURL, Model
// and Body in place.
type ProxySession struct {
	Identity *Identity

	RequestURL      string // provider-relative path plus query
	OriginalURLPath string // as the client sent it
	Headers         http.Header

	Model         string // model currently encoded in Body
	OriginalModel string // first model the client asked for
	Body          []byte // raw request buffer
	Stream        bool
	Note          string
	SessionID     string

	OriginalFormat Format
	Provider       *Provider
	ProviderChain  []ProviderDecision

	StartTime time.Time
}

// LastDecision returns the most recent provider chain entry, or nil.
func (s *ProxySession) LastDecision() *ProviderDecision {
	if len(s.ProviderChain) == 0 {
		return nil
	}
	return &s.ProviderChain[len(s.ProviderChain)-1]
}

// --- Context plumbing ---

// Identity is the authenticated caller: the key presented plus its owner.
type Identity struct {
	User *User
	Key  *Key
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Keys ---

// APIKeyPrefix is the prefix for all Palantir API keys.
const APIKeyPrefix = "sk-"

// NewAPIKey generates a fresh opaque API key: "sk-" plus 128 random bits hex.
func NewAPIKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	return APIKeyPrefix + hex.EncodeToString(b[:])
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
