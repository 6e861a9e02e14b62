package transform

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

// GeminiCLIToOpenAIRequest unwraps a Gemini-CLI envelope ({model, request})
// and converts the inner generateContent request into an OpenAI Chat
// Completions request. A missing or invalid envelope yields an empty but
// valid payload.
func GeminiCLIToOpenAIRequest(body []byte) ([]byte, error) {
	var env geminiEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Request) == 0 {
		slog.Warn("gemini-cli envelope missing, forwarding empty payload")
		return json.Marshal(openaiRequest{Messages: []openaiMessage{}})
	}

	var req geminiRequest
	if err := json.Unmarshal(env.Request, &req); err != nil {
		slog.Warn("gemini-cli request parse failed, forwarding empty payload", "error", err)
		return json.Marshal(openaiRequest{Model: env.Model, Messages: []openaiMessage{}})
	}

	out := openaiRequest{Model: env.Model, Messages: []openaiMessage{}}

	if req.SystemInstruction != nil {
		var parts []string
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		if len(parts) > 0 {
			content, _ := json.Marshal(strings.Join(parts, "\n"))
			out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: content})
		}
	}

	// Function responses must reference the id issued for the matching
	// functionCall; Gemini has no ids, so calls are matched most-recent-first.
	var pendingCallIDs []string

	for _, c := range req.Contents {
		role := c.Role
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}

		var textParts []openaiContentPart
		var toolCalls []openaiToolCall

		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				fc := gjson.ParseBytes(p.FunctionCall)
				id := newCallID()
				pendingCallIDs = append(pendingCallIDs, id)
				args := fc.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				quoted, _ := json.Marshal(args)
				toolCalls = append(toolCalls, openaiToolCall{
					ID:   id,
					Type: "function",
					Function: openaiFunction{
						Name:      fc.Get("name").String(),
						Arguments: quoted,
					},
				})
			case p.FunctionResponse != nil:
				id := ""
				if n := len(pendingCallIDs); n > 0 {
					id = pendingCallIDs[n-1]
					pendingCallIDs = pendingCallIDs[:n-1]
				}
				out.Messages = append(out.Messages, openaiMessage{
					Role:       "tool",
					ToolCallID: id,
					Content:    functionResponseContent(p.FunctionResponse),
				})
			case p.InlineData != nil:
				url := fmt.Sprintf("data:%s;base64,%s", p.InlineData.MimeType, p.InlineData.Data)
				textParts = append(textParts, openaiContentPart{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: url}})
			case p.Text != "":
				textParts = append(textParts, openaiContentPart{Type: "text", Text: p.Text})
			}
		}

		if len(toolCalls) > 0 {
			msg := openaiMessage{Role: "assistant", ToolCalls: toolCalls}
			if text := joinTextParts(textParts); text != "" {
				content, _ := json.Marshal(text)
				msg.Content = content
			}
			out.Messages = append(out.Messages, msg)
		} else if len(textParts) > 0 {
			content, _ := json.Marshal(textParts)
			out.Messages = append(out.Messages, openaiMessage{Role: role, Content: content})
		}
	}

	if len(req.Tools) > 0 {
		for _, d := range req.Tools[0].FunctionDeclarations {
			params := d.ParametersJSONSchema
			if len(params) == 0 {
				params = d.Parameters
			}
			if len(params) == 0 {
				params = json.RawMessage(`{}`)
			}
			out.Tools = append(out.Tools, openaiTool{
				Type: "function",
				Function: openaiToolFuncDef{
					Name:        d.Name,
					Description: d.Description,
					Parameters:  params,
				},
			})
		}
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.TopK = gc.TopK
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
		out.ReasoningEffort = reasoningEffort(gc.ThinkingConfig)
	}

	return json.Marshal(out)
}

// functionResponseContent extracts the tool output: response.result when it
// is a string, otherwise the whole response object serialized.
func functionResponseContent(raw json.RawMessage) json.RawMessage {
	fr := gjson.ParseBytes(raw)
	if result := fr.Get("response.result"); result.Type == gjson.String {
		out, _ := json.Marshal(result.String())
		return out
	}
	if resp := fr.Get("response"); resp.Exists() {
		out, _ := json.Marshal(resp.Raw)
		return out
	}
	out, _ := json.Marshal(string(raw))
	return out
}

// reasoningEffort maps Gemini thinkingConfig onto the reasoning_effort knob:
// thoughts disabled or budget 0 -> none, -1 -> auto, then low/medium/high
// by budget size.
func reasoningEffort(tc *thinkingConfig) string {
	if tc == nil {
		return ""
	}
	if tc.IncludeThoughts != nil && !*tc.IncludeThoughts {
		return "none"
	}
	if tc.ThinkingBudget == nil {
		return ""
	}
	switch budget := *tc.ThinkingBudget; {
	case budget == 0:
		return "none"
	case budget < 0:
		return "auto"
	case budget <= 1024:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// newCallID issues a tool-call id shaped "call_" + 24 base62 chars.
func newCallID() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = base62[int(b[i])%len(base62)]
	}
	return "call_" + string(b[:])
}
