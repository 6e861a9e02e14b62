package transform

import (
	"encoding/json"

	gateway "github.com/eugener/palantir/internal"
)

// Builders for OpenAI-format streaming chunks, shared by every transform
// that emits the Chat Completions stream shape.

func buildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildToolCallStartChunk(id, model string, index int, callID, name string) []byte {
	return buildDeltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"id":    callID,
			"type":  "function",
			"function": map[string]any{
				"name":      name,
				"arguments": "",
			},
		}},
	}, "")
}

func buildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	return buildDeltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"function": map[string]any{
				"arguments": argumentsDelta,
			},
		}},
	}, "")
}

func buildFinishChunk(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildUsageChunk(id, model string, usage *gateway.TokenUsage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage":   openaiUsageJSON(usage),
	}
	b, _ := json.Marshal(chunk)
	return b
}

func openaiUsageJSON(u *gateway.TokenUsage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
		"prompt_tokens_details": map[string]any{
			"cached_tokens": u.CacheReadTokens,
		},
	}
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mapClaudeStopReason converts Messages-API stop reasons to OpenAI finish
// reasons.
func mapClaudeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// mapOpenAIFinishReason converts OpenAI finish reasons to Messages-API stop
// reasons.
func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
