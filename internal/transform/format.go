// Package transform detects client wire formats and translates requests,
// responses and streams between the protocols the gateway speaks.
package transform

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

// DetectFormat determines the client wire format, path first:
//
//	/v1/messages...              -> claude
//	/v1/responses                -> codex
//	/v1/chat/completions         -> openai
//	/v1beta/models/{m}:...       -> gemini
//	/v1internal/models/{m}:...   -> gemini-cli
//
// Unknown paths fall back to sniffing the body shape.
func DetectFormat(path string, body []byte) gateway.Format {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return gateway.FormatClaude
	case strings.HasPrefix(path, "/v1/responses"):
		return gateway.FormatCodex
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return gateway.FormatOpenAI
	case strings.HasPrefix(path, "/v1beta/"):
		return gateway.FormatGemini
	case strings.HasPrefix(path, "/v1internal"):
		return gateway.FormatGeminiCLI
	}
	return sniffFormat(body)
}

// sniffFormat inspects the body when the path is not recognized.
func sniffFormat(body []byte) gateway.Format {
	r := gjson.ParseBytes(body)
	switch {
	case r.Get("contents").IsArray() && !r.Get("request").Exists():
		return gateway.FormatGemini
	case r.Get("request").Exists():
		return gateway.FormatGeminiCLI
	case r.Get("input").IsArray():
		return gateway.FormatCodex
	case r.Get("messages").IsArray() && r.Get("system").Exists():
		return gateway.FormatClaude
	case r.Get("messages").IsArray():
		return gateway.FormatOpenAI
	default:
		return gateway.FormatClaude
	}
}

// ModelFromRequest extracts the model named by a request in the given
// format. Gemini-family requests carry it in the URL path.
func ModelFromRequest(format gateway.Format, path string, body []byte) string {
	if format == gateway.FormatGemini || format == gateway.FormatGeminiCLI {
		if m := modelFromPath(path); m != "" {
			return m
		}
	}
	return gjson.GetBytes(body, "model").String()
}

// modelFromPath pulls the model segment out of /models/{m}(:action)? paths.
func modelFromPath(path string) string {
	const marker = "/models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexAny(rest, ":/?"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// IsStreamRequest reports whether the client asked for a streaming response.
// Codex always streams; Gemini-family requests stream when the URL action is
// streamGenerateContent.
func IsStreamRequest(format gateway.Format, path string, body []byte) bool {
	switch format {
	case gateway.FormatCodex:
		return true
	case gateway.FormatGemini, gateway.FormatGeminiCLI:
		return strings.Contains(path, ":streamGenerateContent")
	default:
		return gjson.GetBytes(body, "stream").Bool()
	}
}
