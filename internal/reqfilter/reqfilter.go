// Package reqfilter applies admin-defined pre-dispatch mutations to request
// headers and bodies. Rules run in (priority, id) order; a failing rule is
// logged and skipped, never aborting the pipeline.
package reqfilter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tidwall/sjson"

	gateway "github.com/eugener/palantir/internal"
)

// compiledFilter is a RequestFilter with its regex pre-compiled.
type compiledFilter struct {
	gateway.RequestFilter
	re *regexp.Regexp // text_replace regex rules only
}

// Engine holds the active filter snapshot, swapped atomically on reload.
type Engine struct {
	filters atomic.Pointer[[]compiledFilter]
}

// NewEngine returns an Engine with no filters.
func NewEngine() *Engine {
	e := &Engine{}
	empty := []compiledFilter{}
	e.filters.Store(&empty)
	return e
}

// Load replaces the filter set, dropping disabled entries and ordering by
// (priority asc, id asc). Regex targets that do not compile are skipped.
func (e *Engine) Load(filters []gateway.RequestFilter) {
	compiled := make([]compiledFilter, 0, len(filters))
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		cf := compiledFilter{RequestFilter: f}
		if f.Action == gateway.ActionTextReplace && f.MatchType == gateway.MatchRegex {
			re, err := regexp.Compile(f.Target)
			if err != nil {
				slog.Warn("request filter regex rejected at load", "filter_id", f.ID, "error", err)
				continue
			}
			cf.re = re
		}
		compiled = append(compiled, cf)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})
	e.filters.Store(&compiled)
}

// Apply runs every filter against the headers and body, returning the
// (possibly re-encoded) body. Headers are mutated in place.
func (e *Engine) Apply(headers http.Header, body []byte) []byte {
	for _, f := range *e.filters.Load() {
		var err error
		switch {
		case f.Scope == gateway.ScopeHeader && f.Action == gateway.ActionRemove:
			headers.Del(f.Target)
		case f.Scope == gateway.ScopeHeader && f.Action == gateway.ActionSet:
			headers.Set(f.Target, replacementString(f.Replacement))
		case f.Scope == gateway.ScopeBody && f.Action == gateway.ActionJSONPath:
			body, err = applyJSONPath(body, f.Target, f.Replacement)
		case f.Scope == gateway.ScopeBody && f.Action == gateway.ActionTextReplace:
			body, err = applyTextReplace(body, &f)
		}
		if err != nil {
			slog.Warn("request filter skipped",
				"filter_id", f.ID,
				"action", string(f.Action),
				"error", err.Error(),
			)
		}
	}
	return body
}

// replacementString renders a replacement value for header use: raw JSON
// strings are unquoted, everything else is the compact JSON text.
func replacementString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// applyJSONPath sets a dotted/indexed path (e.g. "a.b[2].c") in the body,
// creating intermediate objects and arrays as needed.
func applyJSONPath(body []byte, target string, value json.RawMessage) ([]byte, error) {
	path := normalizePath(target)
	if len(value) == 0 {
		return sjson.DeleteBytes(body, path)
	}
	return sjson.SetRawBytes(body, path, value)
}

// normalizePath rewrites bracket indexing ("a.b[2].c") into sjson's dotted
// form ("a.b.2.c").
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "[", ".")
	return strings.ReplaceAll(p, "]", "")
}

// applyTextReplace recursively walks every string value in the body and
// rewrites occurrences of the target, then re-serializes.
func applyTextReplace(body []byte, f *compiledFilter) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, err
	}
	repl := replacementString(f.Replacement)
	doc = walkStrings(doc, func(s string) string {
		switch f.MatchType {
		case gateway.MatchExact:
			if s == f.Target {
				return repl
			}
			return s
		case gateway.MatchRegex:
			return f.re.ReplaceAllString(s, repl)
		default: // contains
			return strings.ReplaceAll(s, f.Target, repl)
		}
	})
	return json.Marshal(doc)
}

// walkStrings applies fn to every string in a decoded JSON document.
func walkStrings(v any, fn func(string) string) any {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		for k, e := range t {
			t[k] = walkStrings(e, fn)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = walkStrings(e, fn)
		}
		return t
	default:
		return v
	}
}
