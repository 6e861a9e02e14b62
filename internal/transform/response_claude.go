package transform

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sseutil"
)

// --- claude provider -> openai client ---

// ClaudeToOpenAIResponse converts a complete Messages-API response into a
// Chat Completions response.
func ClaudeToOpenAIResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	id := r.Get("id").String()
	model := r.Get("model").String()
	finishReason := mapClaudeStopReason(r.Get("stop_reason").String())

	var contentText strings.Builder
	var toolCalls []any
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
		return true
	})

	msg := map[string]any{"role": "assistant"}
	if contentText.Len() > 0 {
		msg["content"] = contentText.String()
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		if finishReason == "" {
			finishReason = "tool_calls"
		}
	}

	out := map[string]any{
		"id":     id,
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finishReason,
		}},
	}
	if usage := parseClaudeUsage(r.Get("usage")); usage != nil {
		out["usage"] = openaiUsageJSON(usage)
	}
	return json.Marshal(out)
}

// ClaudeToOpenAIStream converts Messages-API SSE events into Chat
// Completions chunks. message_stop flushes the finish chunk, a usage chunk
// and the [DONE] sentinel exactly once.
func ClaudeToOpenAIStream(ev sseutil.Event, st *StreamState) ([]byte, error) {
	r := gjson.Parse(ev.Data)
	name := ev.Name
	if name == "" {
		name = r.Get("type").String()
	}

	switch name {
	case "message_start":
		st.MessageID = r.Get("message.id").String()
		st.Model = r.Get("message.model").String()
		st.SetUsage(parseClaudeUsage(r.Get("message.usage")))
		st.EmittedStart = true
		return sseutil.FormatEvent("", buildDeltaChunk(st.MessageID, st.Model, map[string]any{"role": "assistant"}, "")), nil

	case "content_block_start":
		idx := int(r.Get("index").Int())
		switch r.Get("content_block.type").String() {
		case "tool_use":
			st.BlockKind = "tool_use"
			st.HasToolCall = true
			callID := r.Get("content_block.id").String()
			toolIdx := len(st.toolIDs)
			st.setToolID(idx, callID)
			return sseutil.FormatEvent("", buildToolCallStartChunk(st.MessageID, st.Model, toolIdx, callID, r.Get("content_block.name").String())), nil
		case "thinking":
			st.BlockKind = "thinking"
		default:
			st.BlockKind = "text"
		}
		st.BlockIndex = idx
		return nil, nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return sseutil.FormatEvent("", buildDeltaChunk(st.MessageID, st.Model, map[string]any{"content": r.Get("delta.text").String()}, "")), nil
		case "thinking_delta":
			// Thinking has no Chat Completions equivalent; it is dropped.
			return nil, nil
		case "input_json_delta":
			idx := int(r.Get("index").Int())
			toolIdx := toolIndexFor(st, idx)
			return sseutil.FormatEvent("", buildToolCallDeltaChunk(st.MessageID, st.Model, toolIdx, r.Get("delta.partial_json").String())), nil
		}
		return nil, nil

	case "message_delta":
		st.StopReason = r.Get("delta.stop_reason").String()
		st.Usage = MergeUsage(st.Usage, parseClaudeUsage(r.Get("usage")))
		return nil, nil

	case "message_stop":
		if st.EmittedStop {
			return nil, nil
		}
		st.EmittedStop = true
		var out []byte
		out = append(out, sseutil.FormatEvent("", buildFinishChunk(st.MessageID, st.Model, mapClaudeStopReason(st.StopReason)))...)
		if st.Usage != nil {
			out = append(out, sseutil.FormatEvent("", buildUsageChunk(st.MessageID, st.Model, st.Usage))...)
		}
		out = append(out, sseutil.Done...)
		return out, nil
	}
	// ping, content_block_stop and unknown events produce no output.
	return nil, nil
}

// toolIndexFor finds the position of a claude block index in the emitted
// tool-call order.
func toolIndexFor(st *StreamState, blockIndex int) int {
	if _, ok := st.toolID(blockIndex); !ok {
		return 0
	}
	// Tool calls are issued in block order; count earlier blocks.
	n := 0
	for idx := range st.toolIDs {
		if idx < blockIndex {
			n++
		}
	}
	return n
}

// --- openai provider -> claude client ---

// OpenAIToClaudeResponse converts a complete Chat Completions response into
// a Messages-API response.
func OpenAIToClaudeResponse(body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")

	var blocks []any
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments")
		input := json.RawMessage(`{}`)
		if args.Type == gjson.String && json.Valid([]byte(args.String())) {
			input = json.RawMessage(args.String())
		} else if args.IsObject() {
			input = json.RawMessage(args.Raw)
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": input,
		})
		return true
	})
	if blocks == nil {
		blocks = []any{}
	}

	out := map[string]any{
		"id":          r.Get("id").String(),
		"type":        "message",
		"role":        "assistant",
		"model":       r.Get("model").String(),
		"content":     blocks,
		"stop_reason": mapOpenAIFinishReason(choice.Get("finish_reason").String()),
	}
	if usage := parseOpenAIUsage(r.Get("usage")); usage != nil {
		out["usage"] = claudeUsageJSON(usage)
	}
	return json.Marshal(out)
}

func claudeUsageJSON(u *gateway.TokenUsage) map[string]any {
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationTokens,
		"cache_read_input_tokens":     u.CacheReadTokens,
	}
}

// OpenAIToClaudeStream converts Chat Completions chunks into Messages-API
// SSE events: message_start on the first chunk, content_block_start on
// block-kind changes, and the message_delta/message_stop pair exactly once
// at [DONE].
func OpenAIToClaudeStream(ev sseutil.Event, st *StreamState) ([]byte, error) {
	if ev.Data == "[DONE]" {
		return openaiToClaudeFinish(st), nil
	}
	r := gjson.Parse(ev.Data)

	var out []byte
	if !st.EmittedStart {
		st.EmittedStart = true
		st.MessageID = r.Get("id").String()
		st.Model = r.Get("model").String()
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      st.MessageID,
				"type":    "message",
				"role":    "assistant",
				"model":   st.Model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}
		b, _ := json.Marshal(start)
		out = append(out, sseutil.FormatEvent("message_start", b)...)
	}

	if u := r.Get("usage"); u.IsObject() {
		st.Usage = MergeUsage(st.Usage, parseOpenAIUsage(u))
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		st.StopReason = fr.String()
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
		if st.BlockKind != "text" {
			out = append(out, closeBlock(st)...)
			st.BlockKind = "text"
			b, _ := json.Marshal(map[string]any{
				"type":          "content_block_start",
				"index":         st.BlockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			out = append(out, sseutil.FormatEvent("content_block_start", b)...)
		}
		b, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": st.BlockIndex,
			"delta": map[string]any{"type": "text_delta", "text": text.String()},
		})
		out = append(out, sseutil.FormatEvent("content_block_delta", b)...)
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if id := tc.Get("id"); id.Exists() && id.String() != "" {
			// New tool call: open a tool_use block.
			out = append(out, closeBlock(st)...)
			st.BlockKind = "tool_use"
			st.HasToolCall = true
			b, _ := json.Marshal(map[string]any{
				"type":  "content_block_start",
				"index": st.BlockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    id.String(),
					"name":  tc.Get("function.name").String(),
					"input": map[string]any{},
				},
			})
			out = append(out, sseutil.FormatEvent("content_block_start", b)...)
		}
		if args := tc.Get("function.arguments"); args.Type == gjson.String && args.String() != "" {
			b, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"index": st.BlockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args.String()},
			})
			out = append(out, sseutil.FormatEvent("content_block_delta", b)...)
		}
		return true
	})

	return out, nil
}

// closeBlock emits content_block_stop for the open block, if any, and
// advances the block index.
func closeBlock(st *StreamState) []byte {
	if st.BlockKind == "" {
		return nil
	}
	b, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": st.BlockIndex})
	out := sseutil.FormatEvent("content_block_stop", b)
	st.BlockIndex++
	st.BlockKind = ""
	return out
}

// openaiToClaudeFinish flushes the terminal event sequence exactly once.
func openaiToClaudeFinish(st *StreamState) []byte {
	if st.EmittedStop {
		return nil
	}
	st.EmittedStop = true

	var out []byte
	out = append(out, closeBlock(st)...)

	stopReason := mapOpenAIFinishReason(st.StopReason)
	usage := map[string]any{"output_tokens": 0}
	if st.Usage != nil {
		usage = claudeUsageJSON(st.Usage)
	}
	b, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": usage,
	})
	out = append(out, sseutil.FormatEvent("message_delta", b)...)

	b, _ = json.Marshal(map[string]any{"type": "message_stop"})
	out = append(out, sseutil.FormatEvent("message_stop", b)...)
	return out
}
