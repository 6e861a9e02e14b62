package errclass

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	gateway "github.com/eugener/palantir/internal"
)

// maxPatternLen bounds rule patterns. Go's regexp is RE2 (no backtracking),
// so the write-time safety check guards against oversized or non-compiling
// patterns rather than catastrophic backtracking.
const maxPatternLen = 1024

// CheckPattern validates a rule pattern at write time.
func CheckPattern(pattern string, mt gateway.MatchType) error {
	if pattern == "" {
		return fmt.Errorf("errclass: empty pattern")
	}
	if len(pattern) > maxPatternLen {
		return fmt.Errorf("errclass: pattern exceeds %d bytes", maxPatternLen)
	}
	if mt == gateway.MatchRegex {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("errclass: invalid regex: %w", err)
		}
	}
	return nil
}

// compiledRule is an ErrorRule with its regex pre-compiled.
type compiledRule struct {
	gateway.ErrorRule
	re *regexp.Regexp // non-nil for regex rules
}

func (r *compiledRule) matches(text string) bool {
	switch r.MatchType {
	case gateway.MatchExact:
		return text == r.Pattern
	case gateway.MatchRegex:
		return r.re != nil && r.re.MatchString(text)
	default: // contains
		return strings.Contains(text, r.Pattern)
	}
}

// Match is the outcome of classifying a failure.
type Match struct {
	Rule               *gateway.ErrorRule
	Category           gateway.ErrorCategory
	OverrideStatusCode int    // 0 = none
	OverrideResponse   []byte // nil = none
}

// Classifier evaluates the ordered rule set against failure text. The rule
// snapshot is swapped atomically on reload so one request always sees a
// consistent view.
type Classifier struct {
	rules atomic.Pointer[[]compiledRule]
}

// NewClassifier returns a Classifier with an empty rule set.
func NewClassifier() *Classifier {
	c := &Classifier{}
	empty := []compiledRule{}
	c.rules.Store(&empty)
	return c
}

// Load replaces the rule set. Disabled rules are dropped, regexes compiled,
// and the set ordered by (priority asc, id asc). Rules that fail to compile
// are skipped with a warning rather than poisoning the whole reload.
func (c *Classifier) Load(rules []gateway.ErrorRule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr := compiledRule{ErrorRule: r}
		if r.MatchType == gateway.MatchRegex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				slog.Warn("error rule regex rejected at load", "rule_id", r.ID, "error", err)
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})
	c.rules.Store(&compiled)
}

// Classify tries the rules in order against the upstream body and message;
// the first match wins. Returns nil when nothing matches.
func (c *Classifier) Classify(body []byte, message string) *Match {
	rules := *c.rules.Load()
	for i := range rules {
		r := &rules[i]
		if !r.matches(string(body)) && !r.matches(message) {
			continue
		}
		m := &Match{
			Rule:     &r.ErrorRule,
			Category: gateway.ErrorCategory(r.Category),
		}
		if r.OverrideStatusCode != nil {
			code := *r.OverrideStatusCode
			// Out-of-range codes were rejected on write; re-check at runtime
			// in case the row predates the validation.
			if code >= 400 && code <= 599 {
				m.OverrideStatusCode = code
			}
		}
		if len(r.OverrideResponse) > 0 && IsValidOverride(r.OverrideResponse) {
			m.OverrideResponse = r.OverrideResponse
		}
		return m
	}
	return nil
}
