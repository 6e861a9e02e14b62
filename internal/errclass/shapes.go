// Package errclass classifies upstream failures against admin-defined rules
// and validates error-response overrides against the three supported body
// shapes (Claude, Gemini, OpenAI).
package errclass

import (
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

// maxOverrideBytes caps override bodies; anything larger is rejected both at
// write time and again before emission.
const maxOverrideBytes = 10 * 1024

// DetectFormat reports which of the three error shapes a body matches, or ""
// when it matches none.
//
//	claude: top-level type:"error" plus error.type
//	gemini: error.code number plus error.status string
//	openai: error.type string plus error.message string, no top-level type
func DetectFormat(body []byte) gateway.Format {
	if !gjson.ValidBytes(body) {
		return ""
	}
	r := gjson.ParseBytes(body)
	errObj := r.Get("error")
	if !errObj.IsObject() {
		return ""
	}

	if r.Get("type").String() == "error" && errObj.Get("type").Type == gjson.String {
		return gateway.FormatClaude
	}
	if errObj.Get("code").Type == gjson.Number && errObj.Get("status").Type == gjson.String {
		return gateway.FormatGemini
	}
	if !r.Get("type").Exists() &&
		errObj.Get("type").Type == gjson.String &&
		errObj.Get("message").Type == gjson.String {
		return gateway.FormatOpenAI
	}
	return ""
}

// IsValidOverride reports whether body is usable as an error override.
func IsValidOverride(body []byte) bool {
	return ValidateOverride(body) == ""
}

// ValidateOverride returns "" for a valid override body, or a human-readable
// reason it is rejected. Used on rule write and re-checked before emission.
func ValidateOverride(body []byte) string {
	if len(body) == 0 {
		return "override response is empty"
	}
	if len(body) > maxOverrideBytes {
		return fmt.Sprintf("override response exceeds %d bytes", maxOverrideBytes)
	}
	if !gjson.ValidBytes(body) {
		return "override response is not valid JSON"
	}
	if DetectFormat(body) == "" {
		return "override response matches no supported error shape (claude, gemini, openai)"
	}
	return ""
}
