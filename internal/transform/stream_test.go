package transform

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sseutil"
)

// feed pushes events through a stream transform and returns the rendered
// client bytes.
func feed(t *testing.T, tr StreamTransform, st *StreamState, events ...sseutil.Event) string {
	t.Helper()
	var out strings.Builder
	for _, ev := range events {
		b, err := tr(ev, st)
		if err != nil {
			t.Fatalf("stream transform: %v", err)
		}
		out.Write(b)
	}
	return out.String()
}

// collectData re-parses rendered SSE output into its data payloads.
func collectData(t *testing.T, raw string) []sseutil.Event {
	t.Helper()
	var events []sseutil.Event
	if err := sseutil.EventsFromBytes([]byte(raw), func(ev sseutil.Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return events
}

func TestClaudeToOpenAIStream(t *testing.T) {
	t.Parallel()
	st := &StreamState{}
	out := feed(t, ClaudeToOpenAIStream, st,
		sseutil.Event{Name: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5","usage":{"input_tokens":10}}}`},
		sseutil.Event{Name: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		sseutil.Event{Name: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`},
		sseutil.Event{Name: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`},
		sseutil.Event{Name: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		sseutil.Event{Name: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`},
		sseutil.Event{Name: "message_stop", Data: `{"type":"message_stop"}`},
	)

	events := collectData(t, out)
	if len(events) == 0 {
		t.Fatal("no output")
	}

	first := gjson.Parse(events[0].Data)
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Errorf("first chunk = %s", events[0].Data)
	}

	var text strings.Builder
	var sawFinish, sawDone bool
	for _, ev := range events {
		if ev.Data == "[DONE]" {
			sawDone = true
			continue
		}
		r := gjson.Parse(ev.Data)
		text.WriteString(r.Get("choices.0.delta.content").String())
		if r.Get("choices.0.finish_reason").String() == "stop" {
			sawFinish = true
		}
	}
	if text.String() != "hello" {
		t.Errorf("text = %q", text.String())
	}
	if !sawFinish {
		t.Error("finish chunk missing")
	}
	if !sawDone {
		t.Error("[DONE] missing")
	}

	if st.Usage == nil || st.Usage.InputTokens != 10 || st.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", st.Usage)
	}

	// The terminal sentinel flushes exactly once.
	extra, _ := ClaudeToOpenAIStream(sseutil.Event{Name: "message_stop", Data: `{"type":"message_stop"}`}, st)
	if len(extra) != 0 {
		t.Error("second message_stop produced output")
	}
}

func TestClaudeToOpenAIStream_ToolCalls(t *testing.T) {
	t.Parallel()
	st := &StreamState{}
	out := feed(t, ClaudeToOpenAIStream, st,
		sseutil.Event{Name: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","model":"m"}}`},
		sseutil.Event{Name: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"f"}}`},
		sseutil.Event{Name: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`},
		sseutil.Event{Name: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"1}"}}`},
		sseutil.Event{Name: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`},
		sseutil.Event{Name: "message_stop", Data: `{"type":"message_stop"}`},
	)

	events := collectData(t, out)
	var id, name, args string
	var finish string
	for _, ev := range events {
		if ev.Data == "[DONE]" {
			continue
		}
		r := gjson.Parse(ev.Data)
		tc := r.Get("choices.0.delta.tool_calls.0")
		if tc.Exists() {
			if v := tc.Get("id").String(); v != "" {
				id = v
			}
			if v := tc.Get("function.name").String(); v != "" {
				name = v
			}
			args += tc.Get("function.arguments").String()
		}
		if fr := r.Get("choices.0.finish_reason").String(); fr != "" {
			finish = fr
		}
	}
	if id != "toolu_9" || name != "f" {
		t.Errorf("tool call id/name = %q/%q", id, name)
	}
	if args != `{"a":1}` {
		t.Errorf("arguments = %q", args)
	}
	if finish != "tool_calls" {
		t.Errorf("finish_reason = %q", finish)
	}
}

func TestOpenAIToClaudeStream(t *testing.T) {
	t.Parallel()
	st := &StreamState{}
	out := feed(t, OpenAIToClaudeStream, st,
		sseutil.Event{Data: `{"id":"cmpl_1","model":"m","choices":[{"index":0,"delta":{"role":"assistant"}}]}`},
		sseutil.Event{Data: `{"id":"cmpl_1","model":"m","choices":[{"index":0,"delta":{"content":"hi"}}]}`},
		sseutil.Event{Data: `{"id":"cmpl_1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`},
		sseutil.Event{Data: `{"id":"cmpl_1","model":"m","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`},
		sseutil.Event{Data: "[DONE]"},
	)

	// The event order is the Messages-API sequence.
	var names []string
	for _, ev := range collectData(t, out) {
		names = append(names, ev.Name)
	}
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", names, want)
	}

	if !strings.Contains(out, `"text":"hi"`) {
		t.Error("text delta missing")
	}
	if !strings.Contains(out, `"stop_reason":"end_turn"`) {
		t.Error("stop_reason missing")
	}
	if !strings.Contains(out, `"output_tokens":2`) {
		t.Error("usage missing from message_delta")
	}

	// [DONE] flushes exactly once.
	extra, _ := OpenAIToClaudeStream(sseutil.Event{Data: "[DONE]"}, st)
	if len(extra) != 0 {
		t.Error("second [DONE] produced output")
	}
}

func TestCodexToOpenAIStream(t *testing.T) {
	t.Parallel()
	st := &StreamState{}
	out := feed(t, CodexToOpenAIStream, st,
		sseutil.Event{Name: "response.created", Data: `{"type":"response.created","response":{"id":"resp_1","model":"gpt-x"}}`},
		sseutil.Event{Name: "response.output_text.delta", Data: `{"type":"response.output_text.delta","delta":"hey"}`},
		sseutil.Event{Name: "response.completed", Data: `{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":4,"output_tokens":1}}}`},
	)

	events := collectData(t, out)
	var text string
	var sawDone bool
	for _, ev := range events {
		if ev.Data == "[DONE]" {
			sawDone = true
			continue
		}
		text += gjson.Parse(ev.Data).Get("choices.0.delta.content").String()
	}
	if text != "hey" {
		t.Errorf("text = %q", text)
	}
	if !sawDone {
		t.Error("[DONE] missing")
	}
	if st.Usage == nil || st.Usage.InputTokens != 4 {
		t.Errorf("usage = %+v", st.Usage)
	}
}

func TestCodexToOpenAIStream_FunctionCall(t *testing.T) {
	t.Parallel()
	st := &StreamState{}
	out := feed(t, CodexToOpenAIStream, st,
		sseutil.Event{Name: "response.created", Data: `{"response":{"id":"r1","model":"gpt-x"}}`},
		sseutil.Event{Name: "response.output_item.added", Data: `{"output_index":0,"item":{"type":"function_call","call_id":"call_z","name":"f"}}`},
		sseutil.Event{Name: "response.function_call_arguments.delta", Data: `{"output_index":0,"delta":"{\"a\":1}"}`},
		sseutil.Event{Name: "response.completed", Data: `{"response":{"usage":{"input_tokens":1,"output_tokens":1}}}`},
	)

	var id, args, finish string
	for _, ev := range collectData(t, out) {
		if ev.Data == "[DONE]" {
			continue
		}
		r := gjson.Parse(ev.Data)
		if v := r.Get("choices.0.delta.tool_calls.0.id").String(); v != "" {
			id = v
		}
		args += r.Get("choices.0.delta.tool_calls.0.function.arguments").String()
		if fr := r.Get("choices.0.finish_reason").String(); fr != "" {
			finish = fr
		}
	}
	if id != "call_z" {
		t.Errorf("call id = %q", id)
	}
	if args != `{"a":1}` {
		t.Errorf("arguments = %q", args)
	}
	if finish != "tool_calls" {
		t.Errorf("finish_reason = %q", finish)
	}
}

func TestOpenAIToGeminiCLIStream(t *testing.T) {
	t.Parallel()
	st := &StreamState{}
	out := feed(t, OpenAIToGeminiCLIStream, st,
		sseutil.Event{Data: `{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"partial"}}]}`},
		sseutil.Event{Data: `{"id":"c1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`},
		sseutil.Event{Data: "[DONE]"},
	)

	events := collectData(t, out)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (delta + terminal)", len(events))
	}
	first := gjson.Parse(events[0].Data)
	if first.Get("response.candidates.0.content.parts.0.text").String() != "partial" {
		t.Errorf("delta = %s", events[0].Data)
	}
	last := gjson.Parse(events[1].Data)
	if last.Get("response.candidates.0.finishReason").String() != "STOP" {
		t.Errorf("terminal = %s", events[1].Data)
	}
	if last.Get("response.usageMetadata.promptTokenCount").Int() != 3 {
		t.Errorf("usage = %s", last.Get("response.usageMetadata").Raw)
	}
}

func TestComposedStream_CodexToClaude(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	tr := reg.Lookup(gateway.FormatClaude, gateway.FormatCodex)
	if tr == nil || tr.Stream == nil {
		t.Fatal("claude->codex transformer missing")
	}

	st := &StreamState{}
	out := feed(t, tr.Stream, st,
		sseutil.Event{Name: "response.created", Data: `{"response":{"id":"r1","model":"gpt-x"}}`},
		sseutil.Event{Name: "response.output_text.delta", Data: `{"delta":"wave"}`},
		sseutil.Event{Name: "response.completed", Data: `{"response":{"usage":{"input_tokens":2,"output_tokens":1}}}`},
	)

	if !strings.Contains(out, "message_start") || !strings.Contains(out, `"text":"wave"`) || !strings.Contains(out, "message_stop") {
		t.Errorf("composed output missing claude events:\n%s", out)
	}
}
