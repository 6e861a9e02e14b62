package transform

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// OpenAIToCodexRequest converts an OpenAI Chat Completions request into a
// Codex Responses request. The upstream enforces several invariants:
// responses always stream, nothing is stored, sampling and token-limit knobs
// are rejected, and the instructions field must be the official Codex prompt
// for the model -- admin or client system text rides inside the first user
// message instead.
func OpenAIToCodexRequest(body []byte) ([]byte, error) {
	var req openaiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Warn("openai request parse failed, forwarding empty codex payload", "error", err)
		return json.Marshal(newCodexRequest("", nil))
	}

	out := newCodexRequest(req.Model, req.ToolChoice)

	// Collect system text; it is merged into the first user message below.
	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, contentText(m.Content))
		}
	}
	systemText := strings.Join(systemParts, "\n\n")
	systemPending := systemText != ""

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// Handled above.
		case "tool":
			out.Input = append(out.Input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  contentText(m.Content),
			})
		case "assistant":
			for _, tc := range m.ToolCalls {
				out.Input = append(out.Input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Function.Name,
					"arguments": codexArguments(tc.Function.Arguments),
				})
			}
			if text := contentText(m.Content); text != "" {
				out.Input = append(out.Input, codexMessage("assistant", []any{
					map[string]any{"type": "output_text", "text": text},
				}))
			}
		case "user":
			parts := codexUserParts(m.Content)
			if systemPending {
				parts = append([]any{map[string]any{"type": "input_text", "text": systemText}}, parts...)
				systemPending = false
			}
			out.Input = append(out.Input, codexMessage("user", parts))
		}
	}
	// No user message to host the system text: emit it as its own message.
	if systemPending {
		out.Input = append(out.Input, codexMessage("user", []any{
			map[string]any{"type": "input_text", "text": systemText},
		}))
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, codexTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return json.Marshal(out)
}

// newCodexRequest builds the fixed part of every Codex request.
func newCodexRequest(model string, toolChoice json.RawMessage) codexRequest {
	return codexRequest{
		Model:             model,
		Instructions:      CodexInstructions(model),
		Input:             []any{},
		ToolChoice:        toolChoice,
		Stream:            true,
		Store:             false,
		ParallelToolCalls: true,
		Include:           []string{"reasoning.encrypted_content"},
	}
}

func codexMessage(role string, parts []any) map[string]any {
	return map[string]any{"type": "message", "role": role, "content": parts}
}

// codexUserParts converts user content to Responses input parts.
func codexUserParts(raw json.RawMessage) []any {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return []any{}
		}
		return []any{map[string]any{"type": "input_text", "text": s}}
	}
	var parts []openaiContentPart
	if json.Unmarshal(raw, &parts) != nil {
		return []any{}
	}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, map[string]any{"type": "input_text", "text": p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, map[string]any{"type": "input_image", "image_url": p.ImageURL.URL})
			}
		}
	}
	return out
}

// codexArguments keeps string arguments stringified and objects as objects.
func codexArguments(raw json.RawMessage) any {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return raw
}
