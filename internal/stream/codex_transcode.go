package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ToResponsesAPI builds its output field-by-field rather than copying the
// inbound body, so Chat-Completions-only fields (max_tokens, stop, seed,
// response_format, messages, ...) are dropped by omission.
const orphanToolOutputLimit = 16000

// ToResponsesAPI translates a Chat-Completions request body (messages[])
// into a Responses-API body (input[] + instructions), clamping reasoning
// effort and stripping fields the Responses API does not accept.
func ToResponsesAPI(body []byte, threadID string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("transcode to responses api: invalid json body")
	}

	model := gjson.GetBytes(body, "model").String()
	messages := gjson.GetBytes(body, "messages").Array()

	var instructions string
	var input []any
	callNames := map[string]string{} // call_id -> tool name
	seenCalls := map[string]bool{}   // call_ids seen so far, for orphan detection

	for _, msg := range messages {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			text := msg.Get("content").String()
			if instructions == "" {
				instructions = text
				continue
			}
			input = append(input, map[string]any{
				"role":    "developer",
				"content": []any{map[string]any{"type": "input_text", "text": text}},
			})
		case "user":
			input = append(input, userMessageItem(msg))
		case "assistant":
			if calls := msg.Get("tool_calls"); calls.Exists() {
				for _, tc := range calls.Array() {
					callID := tc.Get("id").String()
					seenCalls[callID] = true
					callNames[callID] = tc.Get("function.name").String()
					input = append(input, map[string]any{
						"type":      "function_call",
						"call_id":   callID,
						"name":      tc.Get("function.name").String(),
						"arguments": tc.Get("function.arguments").String(),
					})
				}
				continue
			}
			if text := msg.Get("content").String(); text != "" {
				input = append(input, map[string]any{
					"type": "message", "role": "assistant", "status": "completed",
					"content": []any{map[string]any{"type": "output_text", "text": text, "annotations": []any{}}},
				})
			}
		case "tool":
			callID := msg.Get("tool_call_id").String()
			if !seenCalls[callID] {
				input = append(input, orphanToolMessage(callID, msg.Get("content").String(), "tool"))
				continue
			}
			input = append(input, map[string]any{
				"type": "function_call_output", "call_id": callID,
				"output": msg.Get("content").String(),
			})
		}
	}

	out := map[string]any{
		"model":        model,
		"instructions": instructions,
		"input":        input,
		"store":        false,
		"stream":       true,
		"reasoning": map[string]any{
			"effort":  clampReasoningEffort(model, gjson.GetBytes(body, "reasoning.effort").String()),
			"summary": "auto",
		},
		"text":    map[string]any{"verbosity": "medium"},
		"include": []any{"reasoning.encrypted_content"},
	}
	if tc := gjson.GetBytes(body, "tool_choice"); tc.Exists() {
		out["tool_choice"] = normalizeToolChoice(tc)
	}
	if tools := gjson.GetBytes(body, "tools"); tools.Exists() {
		out["tools"] = tools.Value()
	}
	if threadID != "" {
		out["prompt_cache_key"] = threadID
	}

	return json.Marshal(out)
}

func userMessageItem(msg gjson.Result) map[string]any {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return map[string]any{
			"role":    "user",
			"content": []any{map[string]any{"type": "input_text", "text": content.String()}},
		}
	}

	var parts []any
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "input_text", "text": part.Get("text").String()})
		case "image_url":
			parts = append(parts, map[string]any{
				"type":      "input_image",
				"image_url": part.Get("image_url.url").String(),
				"detail":    part.Get("image_url.detail").String(),
			})
		}
		return true
	})
	return map[string]any{"role": "user", "content": parts}
}

// orphanToolMessage synthesizes a stand-in assistant message for a
// function_call_output with no matching function_call earlier in the
// conversation (the client truncated history out from under it).
func orphanToolMessage(callID, output, toolName string) map[string]any {
	text := fmt.Sprintf("[Previous %s result; call_id=%s]: %s", toolName, callID, output)
	if len(text) > orphanToolOutputLimit {
		text = text[:orphanToolOutputLimit]
	}
	return map[string]any{
		"type": "message", "role": "assistant", "status": "completed",
		"content": []any{map[string]any{"type": "output_text", "text": text, "annotations": []any{}}},
	}
}

func normalizeToolChoice(tc gjson.Result) any {
	if tc.Type == gjson.String {
		return tc.String()
	}
	if name := tc.Get("function.name").String(); name != "" {
		return map[string]any{"type": "function", "name": name}
	}
	return tc.Value()
}

// clampReasoningEffort applies a per-model reasoning-effort clamp table.
// Models outside the table pass their requested effort through unchanged.
func clampReasoningEffort(model, effort string) string {
	if effort == "" {
		effort = "high"
	}
	switch {
	case model == "gpt-5.1":
		if effort == "xhigh" {
			return "high"
		}
	case strings.HasPrefix(model, "gpt-5.2") || strings.HasPrefix(model, "gpt-5.3"):
		if effort == "minimal" {
			return "low"
		}
	case model == "gpt-5.1-codex-mini":
		if effort == "high" || effort == "xhigh" {
			return "high"
		}
		return "medium"
	}
	return effort
}
