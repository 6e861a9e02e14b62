package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/errclass"
	"github.com/eugener/palantir/internal/pricing"
)

// The admin API is a thin CRUD surface over the runtime entities. Writes
// that affect in-memory snapshots (error rules, request filters, auth cache)
// reload them immediately.

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	return true
}

// --- providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

type providerRequest struct {
	gateway.Provider
	Credential string `json:"credential"`
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := req.Provider
	p.Credential = req.Credential
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	p.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := req.Provider
	p.Credential = req.Credential
	p.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.SoftDeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- users and keys ---

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Store.ListUsers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u gateway.User
	if !decodeBody(w, r, &u) {
		return
	}
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	u.Enabled = true
	u.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateUser(r.Context(), &u); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	// Every user starts with one key; it is also the only time the raw key
	// material leaves the server.
	raw := gateway.NewAPIKey()
	key := gateway.Key{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    u.ID,
		Name:      "default",
		KeyHash:   gateway.HashKey(raw),
		KeyPrefix: raw[:12],
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.CreateKey(r.Context(), &key); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": u, "key": key, "raw_key": raw})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.Key
	if !decodeBody(w, r, &k) {
		return
	}
	k.UserID = chi.URLParam(r, "id")
	raw := gateway.NewAPIKey()
	k.ID = uuid.Must(uuid.NewV7()).String()
	k.KeyHash = gateway.HashKey(raw)
	k.KeyPrefix = raw[:12]
	k.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateKey(r.Context(), &k); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": k, "raw_key": raw})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.SoftDeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	if s.deps.InvalidateAuth != nil {
		s.deps.InvalidateAuth()
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- error rules ---

func (s *server) handleListErrorRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListErrorRules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *server) handleCreateErrorRule(w http.ResponseWriter, r *http.Request) {
	var rule gateway.ErrorRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := errclass.CheckPattern(rule.Pattern, rule.MatchType); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if len(rule.OverrideResponse) > 0 {
		if msg := errclass.ValidateOverride(rule.OverrideResponse); msg != "" {
			writeJSON(w, http.StatusBadRequest, errorBody(msg))
			return
		}
	}
	if err := s.deps.Store.CreateErrorRule(r.Context(), &rule); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	s.reloadRules(r)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *server) handleDeleteErrorRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid rule id"))
		return
	}
	if err := s.deps.Store.DeleteErrorRule(r.Context(), id); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	s.reloadRules(r)
	w.WriteHeader(http.StatusNoContent)
}

// --- request filters ---

func (s *server) handleListRequestFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := s.deps.Store.ListRequestFilters(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, filters)
}

func (s *server) handleCreateRequestFilter(w http.ResponseWriter, r *http.Request) {
	var f gateway.RequestFilter
	if !decodeBody(w, r, &f) {
		return
	}
	if f.Action == gateway.ActionTextReplace && f.MatchType == gateway.MatchRegex {
		if err := errclass.CheckPattern(f.Target, gateway.MatchRegex); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
	}
	if err := s.deps.Store.CreateRequestFilter(r.Context(), &f); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	s.reloadFilters(r)
	writeJSON(w, http.StatusCreated, f)
}

func (s *server) handleDeleteRequestFilter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid filter id"))
		return
	}
	if err := s.deps.Store.DeleteRequestFilter(r.Context(), id); err != nil {
		writeJSON(w, storeStatus(err), errorBody(err.Error()))
		return
	}
	s.reloadFilters(r)
	w.WriteHeader(http.StatusNoContent)
}

// --- prices, breakers, sessions ---

func (s *server) handleImportPrices(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	prices, err := pricing.ParseImport(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	inserted, err := s.deps.Store.ImportPrices(r.Context(), prices)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": inserted, "total": len(prices)})
}

func (s *server) handleCircuitBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.Snapshots())
}

func (s *server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.ActiveSessions(r.Context()))
}

// --- reload plumbing ---

func (s *server) reloadRules(r *http.Request) {
	if rules, err := s.deps.Store.ListErrorRules(r.Context()); err == nil {
		s.deps.Classifier.Load(rules)
	}
}

func (s *server) reloadFilters(r *http.Request) {
	if filters, err := s.deps.Store.ListRequestFilters(r.Context()); err == nil {
		s.deps.Filters.Load(filters)
	}
}

func storeStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrBadRequest),
		errors.Is(err, gateway.ErrPolicyExceedsUser),
		errors.Is(err, gateway.ErrLastKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
