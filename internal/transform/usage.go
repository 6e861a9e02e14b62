package transform

import (
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

// parseClaudeUsage reads a Messages-API usage object, including the cache
// breakdown when present.
func parseClaudeUsage(u gjson.Result) *gateway.TokenUsage {
	if !u.Exists() {
		return nil
	}
	usage := &gateway.TokenUsage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
		CacheReadTokens:     int(u.Get("cache_read_input_tokens").Int()),
	}
	if cc := u.Get("cache_creation"); cc.Exists() {
		usage.CacheCreation5mTokens = int(cc.Get("ephemeral_5m_input_tokens").Int())
		usage.CacheCreation1hTokens = int(cc.Get("ephemeral_1h_input_tokens").Int())
	}
	return usage
}

// parseOpenAIUsage reads a Chat Completions usage object.
func parseOpenAIUsage(u gjson.Result) *gateway.TokenUsage {
	if !u.Exists() {
		return nil
	}
	return &gateway.TokenUsage{
		InputTokens:     int(u.Get("prompt_tokens").Int()),
		OutputTokens:    int(u.Get("completion_tokens").Int()),
		CacheReadTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
	}
}

// parseCodexUsage reads a Responses usage object.
func parseCodexUsage(u gjson.Result) *gateway.TokenUsage {
	if !u.Exists() {
		return nil
	}
	return &gateway.TokenUsage{
		InputTokens:     int(u.Get("input_tokens").Int()),
		OutputTokens:    int(u.Get("output_tokens").Int()),
		CacheReadTokens: int(u.Get("input_tokens_details.cached_tokens").Int()),
	}
}

// ExtractUsage pulls token usage out of a complete non-streaming response
// body in the given wire format. The executor calls it on every buffered
// upstream body, before any response transform runs. Returns nil when the
// body carries no usage.
func ExtractUsage(format gateway.Format, body []byte) *gateway.TokenUsage {
	r := gjson.ParseBytes(body)
	switch format {
	case gateway.FormatClaude:
		return parseClaudeUsage(r.Get("usage"))
	case gateway.FormatOpenAI:
		return parseOpenAIUsage(r.Get("usage"))
	case gateway.FormatCodex:
		return parseCodexUsage(r.Get("response.usage"))
	case gateway.FormatGemini, gateway.FormatGeminiCLI:
		um := r.Get("usageMetadata")
		if !um.Exists() {
			um = r.Get("response.usageMetadata")
		}
		if !um.Exists() {
			return nil
		}
		return &gateway.TokenUsage{
			InputTokens:     int(um.Get("promptTokenCount").Int()),
			OutputTokens:    int(um.Get("candidatesTokenCount").Int()),
			CacheReadTokens: int(um.Get("cachedContentTokenCount").Int()),
		}
	}
	return nil
}

// ExtractStreamUsage pulls token usage out of one raw SSE event on the
// passthrough path. Returns nil when the event carries none.
func ExtractStreamUsage(format gateway.Format, data string) *gateway.TokenUsage {
	r := gjson.Parse(data)
	switch format {
	case gateway.FormatClaude:
		// message_start carries input tokens, message_delta the output count.
		if u := r.Get("message.usage"); u.Exists() {
			return parseClaudeUsage(u)
		}
		if u := r.Get("usage"); u.Exists() {
			return parseClaudeUsage(u)
		}
	case gateway.FormatOpenAI:
		if u := r.Get("usage"); u.IsObject() {
			return parseOpenAIUsage(u)
		}
	case gateway.FormatCodex:
		if u := r.Get("response.usage"); u.Exists() {
			return parseCodexUsage(u)
		}
	case gateway.FormatGemini, gateway.FormatGeminiCLI:
		return ExtractUsage(format, []byte(data))
	}
	return nil
}

// MergeUsage folds a later usage observation into an earlier one; claude
// streams split input and output counts across events.
func MergeUsage(base, update *gateway.TokenUsage) *gateway.TokenUsage {
	if base == nil {
		return update
	}
	if update == nil {
		return base
	}
	if update.InputTokens > 0 {
		base.InputTokens = update.InputTokens
	}
	if update.OutputTokens > 0 {
		base.OutputTokens = update.OutputTokens
	}
	if update.CacheCreationTokens > 0 {
		base.CacheCreationTokens = update.CacheCreationTokens
	}
	if update.CacheCreation5mTokens > 0 {
		base.CacheCreation5mTokens = update.CacheCreation5mTokens
	}
	if update.CacheCreation1hTokens > 0 {
		base.CacheCreation1hTokens = update.CacheCreation1hTokens
	}
	if update.CacheReadTokens > 0 {
		base.CacheReadTokens = update.CacheReadTokens
	}
	return base
}
