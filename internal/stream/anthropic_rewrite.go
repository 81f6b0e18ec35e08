package stream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// modelPaths is the fixed set of dot-paths scanned for a stale model name
// on the Anthropic path.
var modelPaths = []string{
	"model",
	"message.model",
	"modelVersion",
	"response.model",
	"response.modelVersion",
}

// RewriteAnthropicData substitutes the client's requested model name into
// the fixed dot-paths, and drops "thinking" content blocks from any
// payload that also carries a "tool_use" block (the client cannot render
// both in one message). "[DONE]" and malformed JSON are forwarded
// unchanged.
func RewriteAnthropicData(data, clientModel string) string {
	if data == "[DONE]" {
		return data
	}
	if !gjson.Valid(data) {
		return data
	}

	out := data
	for _, path := range modelPaths {
		res := gjson.Get(out, path)
		if res.Type == gjson.String && res.String() != "" && res.String() != clientModel {
			if updated, err := sjson.Set(out, path, clientModel); err == nil {
				out = updated
			}
		}
	}

	out = suppressThinkingAlongsideToolUse(out)
	return out
}

func suppressThinkingAlongsideToolUse(data string) string {
	content := gjson.Get(data, "content")
	if !content.IsArray() {
		return data
	}

	hasToolUse, hasThinking := false, false
	content.ForEach(func(_, v gjson.Result) bool {
		switch v.Get("type").String() {
		case "tool_use":
			hasToolUse = true
		case "thinking":
			hasThinking = true
		}
		return true
	})
	if !hasToolUse || !hasThinking {
		return data
	}

	var filtered []any
	content.ForEach(func(_, v gjson.Result) bool {
		if v.Get("type").String() != "thinking" {
			filtered = append(filtered, v.Value())
		}
		return true
	})
	updated, err := sjson.Set(data, "content", filtered)
	if err != nil {
		return data
	}
	return updated
}
