package transform

import (
	"testing"

	"github.com/tidwall/gjson"
)

// TestOpenAIToCodexRequest_Envelope covers the fixed invariants the Codex
// upstream enforces: forced streaming flags, stripped sampling knobs, the
// official instructions, and system text riding inside the first user
// message.
func TestOpenAIToCodexRequest_Envelope(t *testing.T) {
	t.Parallel()
	in := []byte(`{
		"model": "gpt-x",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hi"}
		],
		"temperature": 0.5,
		"top_p": 0.9,
		"max_tokens": 50,
		"stream": false
	}`)

	out, err := OpenAIToCodexRequest(in)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)

	if !r.Get("stream").Bool() {
		t.Error("stream must be forced true")
	}
	if r.Get("store").Bool() {
		t.Error("store must be forced false")
	}
	if !r.Get("parallel_tool_calls").Bool() {
		t.Error("parallel_tool_calls must be forced true")
	}
	if r.Get("include.0").String() != "reasoning.encrypted_content" {
		t.Errorf("include = %s", r.Get("include").Raw)
	}
	for _, stripped := range []string{"temperature", "top_p", "max_tokens", "max_output_tokens", "max_completion_tokens"} {
		if r.Get(stripped).Exists() {
			t.Errorf("%s must be stripped", stripped)
		}
	}
	if r.Get("instructions").String() != CodexInstructions("gpt-x") {
		t.Error("instructions must be the official default for the model")
	}

	first := r.Get("input.0")
	if first.Get("type").String() != "message" || first.Get("role").String() != "user" {
		t.Fatalf("first input item = %s", first.Raw)
	}
	if first.Get("content.0.type").String() != "input_text" || first.Get("content.0.text").String() != "Be terse." {
		t.Errorf("system text must lead the first user message: %s", first.Get("content").Raw)
	}
	if first.Get("content.1.text").String() != "hi" {
		t.Errorf("user text = %s", first.Get("content.1.text").String())
	}
}

func TestOpenAIToCodexRequest_Tools(t *testing.T) {
	t.Parallel()
	in := []byte(`{
		"model": "gpt-x",
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "call_abc", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_abc", "content": "42"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "parameters": {"type": "object"}}}],
		"tool_choice": {"type": "function", "function": {"name": "lookup"}}
	}`)

	out, err := OpenAIToCodexRequest(in)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)

	call := r.Get(`input.#(type=="function_call")`)
	if call.Get("call_id").String() != "call_abc" || call.Get("name").String() != "lookup" {
		t.Errorf("function_call item = %s", call.Raw)
	}
	if call.Get("arguments").String() != `{"q":1}` {
		t.Errorf("arguments = %s", call.Get("arguments").Raw)
	}

	output := r.Get(`input.#(type=="function_call_output")`)
	if output.Get("call_id").String() != "call_abc" || output.Get("output").String() != "42" {
		t.Errorf("function_call_output item = %s", output.Raw)
	}

	if r.Get("tools.0.name").String() != "lookup" {
		t.Errorf("tools = %s", r.Get("tools").Raw)
	}
	// Typed function choice passes through intact.
	if r.Get("tool_choice.function.name").String() != "lookup" {
		t.Errorf("tool_choice = %s", r.Get("tool_choice").Raw)
	}
}

func TestOpenAIToCodexRequest_ImageParts(t *testing.T) {
	t.Parallel()
	in := []byte(`{
		"model": "gpt-x",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
		]}]
	}`)

	out, err := OpenAIToCodexRequest(in)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	img := r.Get("input.0.content.1")
	if img.Get("type").String() != "input_image" || img.Get("image_url").String() != "data:image/png;base64,AAAA" {
		t.Errorf("image part = %s", img.Raw)
	}
}
