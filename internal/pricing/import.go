package pricing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	gateway "github.com/eugener/palantir/internal"
)

// priceEntry is one value of the flat import map. Unknown fields are kept in
// the canonical payload but otherwise ignored.
type priceEntry struct {
	Mode                string   `json:"mode"`
	InputCost           float64  `json:"input_cost_per_token"`
	OutputCost          float64  `json:"output_cost_per_token"`
	CacheCreationCost   *float64 `json:"cache_creation_input_token_cost"`
	CacheCreation1hCost *float64 `json:"cache_creation_input_token_cost_above_1hr"`
	CacheReadCost       *float64 `json:"cache_read_input_token_cost"`
}

// ParseImport parses a flat price map (modelName -> rate record).
// Keys beginning with "sample_spec" are metadata and skipped; entries without
// a mode are rejected. Each returned record carries a canonical re-marshalled
// payload in RawJSON so the store can detect no-op re-imports.
func ParseImport(data []byte) ([]gateway.ModelPrice, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pricing: parse import: %w", err)
	}

	names := make([]string, 0, len(m))
	for name := range m {
		if strings.HasPrefix(name, "sample_spec") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gateway.ModelPrice, 0, len(names))
	for _, name := range names {
		var e priceEntry
		if err := json.Unmarshal(m[name], &e); err != nil {
			return nil, fmt.Errorf("pricing: model %q: %w", name, err)
		}
		if e.Mode == "" {
			return nil, fmt.Errorf("pricing: model %q: missing mode", name)
		}
		canonical, err := canonicalJSON(m[name])
		if err != nil {
			return nil, fmt.Errorf("pricing: model %q: %w", name, err)
		}
		out = append(out, gateway.ModelPrice{
			ModelName:           name,
			Mode:                e.Mode,
			InputCost:           e.InputCost,
			OutputCost:          e.OutputCost,
			CacheCreationCost:   e.CacheCreationCost,
			CacheCreation1hCost: e.CacheCreation1hCost,
			CacheReadCost:       e.CacheReadCost,
			RawJSON:             canonical,
		})
	}
	return out, nil
}

// canonicalJSON re-marshals raw JSON with sorted object keys so equal
// payloads compare equal regardless of input ordering.
func canonicalJSON(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	b, err := json.Marshal(v) // encoding/json sorts map keys
	if err != nil {
		return "", err
	}
	return string(b), nil
}
