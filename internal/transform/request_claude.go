package transform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// defaultClaudeMaxTokens is applied when an OpenAI request carries no
// max_tokens; the Messages API requires one.
const defaultClaudeMaxTokens = 32000

// OpenAIToClaudeRequest converts an OpenAI Chat Completions request into an
// Anthropic Messages request. Malformed input yields an empty but valid
// Messages payload; the upstream decides whether to reject it.
func OpenAIToClaudeRequest(body []byte) ([]byte, error) {
	var req openaiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Warn("openai request parse failed, forwarding empty payload", "error", err)
		return json.Marshal(claudeRequest{MaxTokens: defaultClaudeMaxTokens, Messages: []claudeMessage{}})
	}

	out := claudeRequest{
		Model:       req.Model,
		MaxTokens:   defaultClaudeMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      req.Stream,
		StopSeqs:    req.Stop,
		Messages:    []claudeMessage{},
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, contentText(m.Content))
		case "tool":
			// Tool results ride in a user message holding one tool_result part.
			result := map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     contentText(m.Content),
			}
			raw, _ := json.Marshal([]any{result})
			out.Messages = append(out.Messages, claudeMessage{Role: "user", Content: raw})
		case "assistant":
			if len(m.ToolCalls) > 0 {
				out.Messages = append(out.Messages, claudeMessage{
					Role:    "assistant",
					Content: assistantToolUseBlocks(m),
				})
				continue
			}
			out.Messages = append(out.Messages, claudeMessage{
				Role:    "assistant",
				Content: claudeContentBlocks(m.Content),
			})
		case "user":
			out.Messages = append(out.Messages, claudeMessage{
				Role:    "user",
				Content: claudeContentBlocks(m.Content),
			})
		}
	}
	if len(systemParts) > 0 {
		sys, _ := json.Marshal(strings.Join(systemParts, "\n"))
		out.System = sys
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	out.ToolChoice = mapToolChoiceToClaude(req.ToolChoice)

	return json.Marshal(out)
}

// assistantToolUseBlocks renders an assistant message carrying tool_calls as
// Messages-API content blocks: optional text first, then one tool_use block
// per call. String arguments are JSON-parsed; object arguments pass through.
func assistantToolUseBlocks(m openaiMessage) json.RawMessage {
	var blocks []any
	if text := contentText(m.Content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": parseToolArguments(tc.Function.Arguments),
		})
	}
	raw, _ := json.Marshal(blocks)
	return raw
}

// parseToolArguments returns tool-call arguments as an object: a JSON string
// is decoded, an object passes through, anything else becomes {}.
func parseToolArguments(raw json.RawMessage) json.RawMessage {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if json.Valid([]byte(s)) && len(s) > 0 {
			return json.RawMessage(s)
		}
		return json.RawMessage(`{}`)
	}
	if len(raw) > 0 && raw[0] == '{' {
		return raw
	}
	return json.RawMessage(`{}`)
}

// claudeContentBlocks converts OpenAI message content (string or part array)
// into Messages-API content. Data URLs become base64 image sources; other
// image URLs stay URL sources.
func claudeContentBlocks(raw json.RawMessage) json.RawMessage {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		out, _ := json.Marshal(s)
		return out
	}

	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		out, _ := json.Marshal("")
		return out
	}

	blocks := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if media, data, ok := parseDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": media,
						"data":       data,
					},
				})
			} else {
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": p.ImageURL.URL},
				})
			}
		}
	}
	out, _ := json.Marshal(blocks)
	return out
}

// parseDataURL decodes "data:{media};base64,{data}" URLs.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	return mediaType, payload, true
}

// mapToolChoiceToClaude maps OpenAI tool_choice values onto the Messages
// API: auto->auto, required->any, function->tool{name}, none->omitted.
func mapToolChoiceToClaude(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`)
		case "required":
			return json.RawMessage(`{"type":"any"}`)
		default: // "none" and unknown values are omitted
			return nil
		}
	}
	var typed struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &typed) == nil && typed.Type == "function" && typed.Function.Name != "" {
		out, _ := json.Marshal(map[string]any{"type": "tool", "name": typed.Function.Name})
		return out
	}
	return nil
}

// contentText flattens OpenAI message content to plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []openaiContentPart
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// ClaudeToOpenAIRequest converts an Anthropic Messages request into an
// OpenAI Chat Completions request.
func ClaudeToOpenAIRequest(body []byte) ([]byte, error) {
	var req claudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Warn("claude request parse failed, forwarding empty payload", "error", err)
		return json.Marshal(openaiRequest{Messages: []openaiMessage{}})
	}

	out := openaiRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSeqs,
		Messages:    []openaiMessage{},
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}

	if sys := claudeSystemText(req.System); sys != "" {
		content, _ := json.Marshal(sys)
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: content})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, claudeMessageToOpenAI(m)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFuncDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	out.ToolChoice = mapToolChoiceToOpenAI(req.ToolChoice)

	return json.Marshal(out)
}

// claudeSystemText flattens the Messages-API system field (string or block
// array) to plain text joined with newlines.
func claudeSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// claudeMessageToOpenAI expands one Messages-API message into OpenAI
// messages. tool_result blocks split into separate "tool" role messages;
// tool_use blocks collapse into assistant tool_calls.
func claudeMessageToOpenAI(m claudeMessage) []openaiMessage {
	// Plain string content copies straight across.
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		content, _ := json.Marshal(s)
		return []openaiMessage{{Role: m.Role, Content: content}}
	}

	var blocks []map[string]json.RawMessage
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}

	var out []openaiMessage
	var textParts []openaiContentPart
	var toolCalls []openaiToolCall

	for _, b := range blocks {
		var kind string
		json.Unmarshal(b["type"], &kind) //nolint:errcheck
		switch kind {
		case "text":
			var text string
			json.Unmarshal(b["text"], &text) //nolint:errcheck
			textParts = append(textParts, openaiContentPart{Type: "text", Text: text})
		case "image":
			textParts = append(textParts, imagePartToOpenAI(b["source"]))
		case "tool_use":
			var id, name string
			json.Unmarshal(b["id"], &id)     //nolint:errcheck
			json.Unmarshal(b["name"], &name) //nolint:errcheck
			args := b["input"]
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			// OpenAI carries arguments as a JSON string.
			quoted, _ := json.Marshal(string(args))
			toolCalls = append(toolCalls, openaiToolCall{
				ID:   id,
				Type: "function",
				Function: openaiFunction{Name: name, Arguments: quoted},
			})
		case "tool_result":
			var id string
			json.Unmarshal(b["tool_use_id"], &id) //nolint:errcheck
			out = append(out, openaiMessage{
				Role:       "tool",
				ToolCallID: id,
				Content:    toolResultContent(b["content"]),
			})
		}
	}

	if len(toolCalls) > 0 {
		msg := openaiMessage{Role: "assistant", ToolCalls: toolCalls}
		if text := joinTextParts(textParts); text != "" {
			content, _ := json.Marshal(text)
			msg.Content = content
		}
		out = append(out, msg)
	} else if len(textParts) > 0 {
		content, _ := json.Marshal(textParts)
		out = append(out, openaiMessage{Role: m.Role, Content: content})
	}
	return out
}

// imagePartToOpenAI renders a Messages-API image source as an image_url part.
func imagePartToOpenAI(source json.RawMessage) openaiContentPart {
	var src struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	}
	json.Unmarshal(source, &src) //nolint:errcheck
	part := openaiContentPart{Type: "image_url", ImageURL: &struct {
		URL string `json:"url"`
	}{}}
	if src.Type == "base64" {
		part.ImageURL.URL = fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
	} else {
		part.ImageURL.URL = src.URL
	}
	return part
}

// toolResultContent flattens a tool_result content field (string or blocks)
// into an OpenAI tool message content string.
func toolResultContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		empty, _ := json.Marshal("")
		return empty
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return raw
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		out, _ := json.Marshal(strings.Join(parts, "\n"))
		return out
	}
	out, _ := json.Marshal(string(raw))
	return out
}

func joinTextParts(parts []openaiContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// mapToolChoiceToOpenAI reverses mapToolChoiceToClaude.
func mapToolChoiceToOpenAI(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var typed struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &typed) != nil {
		return nil
	}
	switch typed.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		out, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": typed.Name},
		})
		return out
	}
	return nil
}
