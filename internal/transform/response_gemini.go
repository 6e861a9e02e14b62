package transform

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sseutil"
)

// --- openai provider -> gemini-cli client ---

// OpenAIToGeminiCLIResponse converts a complete Chat Completions response
// into a Gemini-CLI envelope ({response: {candidates, usageMetadata}}).
func OpenAIToGeminiCLIResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")

	parts := geminiPartsFromMessage(choice.Get("message"))
	inner := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": mapFinishReasonToGemini(choice.Get("finish_reason").String()),
			"index":        0,
		}},
		"modelVersion": r.Get("model").String(),
	}
	if usage := parseOpenAIUsage(r.Get("usage")); usage != nil {
		inner["usageMetadata"] = geminiUsageJSON(usage)
	}
	return json.Marshal(map[string]any{"response": inner})
}

// OpenAIToGeminiCLIStream converts Chat Completions chunks into Gemini-CLI
// stream events. Gemini streams have no [DONE] sentinel; the terminal event
// is the one carrying finishReason and usageMetadata.
func OpenAIToGeminiCLIStream(ev sseutil.Event, st *StreamState) ([]byte, error) {
	if ev.Data == "[DONE]" {
		if st.EmittedStop {
			return nil, nil
		}
		st.EmittedStop = true
		inner := map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []any{}},
				"finishReason": mapFinishReasonToGemini(st.StopReason),
				"index":        0,
			}},
			"modelVersion": st.Model,
		}
		if st.Usage != nil {
			inner["usageMetadata"] = geminiUsageJSON(st.Usage)
		}
		b, _ := json.Marshal(map[string]any{"response": inner})
		return sseutil.FormatEvent("", b), nil
	}

	r := gjson.Parse(ev.Data)
	if st.MessageID == "" {
		st.MessageID = r.Get("id").String()
		st.Model = r.Get("model").String()
	}
	if u := r.Get("usage"); u.IsObject() {
		st.Usage = MergeUsage(st.Usage, parseOpenAIUsage(u))
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		st.StopReason = fr.String()
	}

	parts := geminiPartsFromMessage(r.Get("choices.0.delta"))
	if len(parts) == 0 {
		return nil, nil
	}
	inner := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"role": "model", "parts": parts},
			"index":   0,
		}},
		"modelVersion": st.Model,
	}
	b, _ := json.Marshal(map[string]any{"response": inner})
	return sseutil.FormatEvent("", b), nil
}

// geminiPartsFromMessage renders an OpenAI message or delta as Gemini parts.
func geminiPartsFromMessage(msg gjson.Result) []any {
	var parts []any
	if text := msg.Get("content"); text.Type == gjson.String && text.String() != "" {
		parts = append(parts, map[string]any{"text": text.String()})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments")
		var decoded any = map[string]any{}
		if args.Type == gjson.String && json.Valid([]byte(args.String())) {
			json.Unmarshal([]byte(args.String()), &decoded) //nolint:errcheck
		} else if args.IsObject() {
			json.Unmarshal([]byte(args.Raw), &decoded) //nolint:errcheck
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Get("function.name").String(),
				"args": decoded,
			},
		})
		return true
	})
	return parts
}

func geminiUsageJSON(u *gateway.TokenUsage) map[string]any {
	return map[string]any{
		"promptTokenCount":     u.InputTokens,
		"candidatesTokenCount": u.OutputTokens,
		"totalTokenCount":      u.InputTokens + u.OutputTokens,
	}
}

func mapFinishReasonToGemini(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}
