package transform

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eugener/palantir/internal/sseutil"
)

// --- codex provider -> openai client ---

// CodexToOpenAIResponse converts a complete Responses payload into a Chat
// Completions response. Codex normally streams; this handles the buffered
// "response.completed" shape.
func CodexToOpenAIResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	resp := r.Get("response")
	if !resp.Exists() {
		resp = r
	}

	var text strings.Builder
	var toolCalls []any
	resp.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					text.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			toolCalls = append(toolCalls, map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
		}
		return true
	})

	msg := map[string]any{"role": "assistant"}
	finishReason := "stop"
	if text.Len() > 0 {
		msg["content"] = text.String()
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		finishReason = "tool_calls"
	}

	out := map[string]any{
		"id":     resp.Get("id").String(),
		"object": "chat.completion",
		"model":  resp.Get("model").String(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finishReason,
		}},
	}
	if usage := parseCodexUsage(resp.Get("usage")); usage != nil {
		out["usage"] = openaiUsageJSON(usage)
	}
	return json.Marshal(out)
}

// CodexToOpenAIStream converts Responses SSE events into Chat Completions
// chunks. "response.completed" flushes the finish chunk, a usage chunk and
// the [DONE] sentinel exactly once.
func CodexToOpenAIStream(ev sseutil.Event, st *StreamState) ([]byte, error) {
	r := gjson.Parse(ev.Data)
	name := ev.Name
	if name == "" {
		name = r.Get("type").String()
	}

	switch name {
	case "response.created":
		st.MessageID = r.Get("response.id").String()
		st.Model = r.Get("response.model").String()
		if !st.EmittedStart {
			st.EmittedStart = true
			return sseutil.FormatEvent("", buildDeltaChunk(st.MessageID, st.Model, map[string]any{"role": "assistant"}, "")), nil
		}
		return nil, nil

	case "response.output_text.delta":
		return sseutil.FormatEvent("", buildDeltaChunk(st.MessageID, st.Model, map[string]any{"content": r.Get("delta").String()}, "")), nil

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		st.HasToolCall = true
		outputIdx := int(r.Get("output_index").Int())
		toolIdx := len(st.toolIDs)
		st.setToolID(outputIdx, item.Get("call_id").String())
		return sseutil.FormatEvent("", buildToolCallStartChunk(
			st.MessageID, st.Model, toolIdx,
			item.Get("call_id").String(), item.Get("name").String(),
		)), nil

	case "response.function_call_arguments.delta":
		outputIdx := int(r.Get("output_index").Int())
		return sseutil.FormatEvent("", buildToolCallDeltaChunk(
			st.MessageID, st.Model, toolIndexFor(st, outputIdx), r.Get("delta").String(),
		)), nil

	case "response.failed", "response.incomplete":
		if st.EmittedStop {
			return nil, nil
		}
		st.EmittedStop = true
		var out []byte
		out = append(out, sseutil.FormatEvent("", buildFinishChunk(st.MessageID, st.Model, "stop"))...)
		out = append(out, sseutil.Done...)
		return out, nil

	case "response.completed":
		if st.EmittedStop {
			return nil, nil
		}
		st.EmittedStop = true
		st.SetUsage(parseCodexUsage(r.Get("response.usage")))

		finishReason := "stop"
		if st.HasToolCall {
			finishReason = "tool_calls"
		}
		var out []byte
		out = append(out, sseutil.FormatEvent("", buildFinishChunk(st.MessageID, st.Model, finishReason))...)
		if st.Usage != nil {
			out = append(out, sseutil.FormatEvent("", buildUsageChunk(st.MessageID, st.Model, st.Usage))...)
		}
		out = append(out, sseutil.Done...)
		return out, nil
	}
	// reasoning deltas and lifecycle events have no chat-completions shape.
	return nil, nil
}
