package stream

import (
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"
)

// codexSSEState is the per-stream bookkeeping needed to map Responses API
// events back to Chat-Completions chunk shape.
type codexSSEState struct {
	responseID    string
	model         string
	created       int64
	toolCallIndex int
	toolCallIDs   map[string]int
	anyToolCalls  bool
}

// ToChatCompletionsSSE converts a Responses API SSE stream back into
// Chat-Completions chunks. It emits no "event:" names and appends a
// terminating "data: [DONE]\n\n".
func ToChatCompletionsSSE(r io.Reader, clientModel string) io.ReadCloser {
	st := &codexSSEState{model: clientModel, toolCallIDs: map[string]int{}, created: nowMillis() / 1000}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()

		flushChunk := func(c chatCompletionsChunk) {
			b, err := json.Marshal(c)
			if err != nil {
				return
			}
			io.WriteString(pw, Encode(Chunk{Data: string(b)}))
		}

		// Transform's Rewriter only sees the data payload, which is all the
		// reverse transcoder needs: event semantics are carried in the
		// "type" field of the payload itself for Responses API events.
		upstream := Transform(r, func(data string) (string, bool) {
			handleResponsesEvent(data, st, flushChunk)
			return "", false
		})
		io.Copy(io.Discard, upstream)

		io.WriteString(pw, "data: [DONE]\n\n")
	}()
	return pr
}

type chatCompletionsChunk struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatCompletionsUsage  `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatCompletionsUsage struct {
	PromptTokens        int64          `json:"prompt_tokens"`
	CompletionTokens    int64          `json:"completion_tokens"`
	TotalTokens         int64          `json:"total_tokens"`
	PromptTokensDetails map[string]any `json:"prompt_tokens_details,omitempty"`
}

func handleResponsesEvent(data string, st *codexSSEState, emit func(chatCompletionsChunk)) {
	if data == "" || data == "[DONE]" || !gjson.Valid(data) {
		return
	}
	eventType := gjson.Get(data, "type").String()

	base := func(delta map[string]any, finish *string) chatCompletionsChunk {
		return chatCompletionsChunk{
			ID: "chatcmpl-" + st.responseID, Object: "chat.completion.chunk",
			Created: st.created, Model: st.model,
			Choices: []chatCompletionChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	switch eventType {
	case "response.created":
		st.responseID = gjson.Get(data, "response.id").String()

	case "response.output_item.added":
		item := gjson.Get(data, "item")
		switch item.Get("type").String() {
		case "message":
			if item.Get("role").String() == "assistant" {
				emit(base(map[string]any{"role": "assistant", "content": ""}, nil))
			}
		case "function_call":
			callID := item.Get("call_id").String()
			idx := st.toolCallIndex
			st.toolCallIndex++
			st.toolCallIDs[callID] = idx
			st.anyToolCalls = true
			emit(base(map[string]any{
				"tool_calls": []any{map[string]any{
					"index": idx, "id": callID, "type": "function",
					"function": map[string]any{"name": item.Get("name").String(), "arguments": ""},
				}},
			}, nil))
		}

	case "response.output_text.delta", "response.reasoning_summary_text.delta":
		emit(base(map[string]any{"content": gjson.Get(data, "delta").String()}, nil))

	case "response.function_call_arguments.delta":
		callID := gjson.Get(data, "item_id").String()
		if callID == "" {
			callID = gjson.Get(data, "call_id").String()
		}
		idx, ok := st.toolCallIDs[callID]
		if !ok {
			return
		}
		emit(base(map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    idx,
				"function": map[string]any{"arguments": gjson.Get(data, "delta").String()},
			}},
		}, nil))

	case "response.completed":
		finish := "stop"
		if st.anyToolCalls {
			finish = "tool_calls"
		}
		usage := gjson.Get(data, "response.usage")
		var u *chatCompletionsUsage
		if usage.Exists() {
			u = &chatCompletionsUsage{
				PromptTokens:     usage.Get("input_tokens").Int(),
				CompletionTokens: usage.Get("output_tokens").Int(),
				TotalTokens:      usage.Get("input_tokens").Int() + usage.Get("output_tokens").Int(),
			}
			if cached := usage.Get("input_tokens_details.cached_tokens"); cached.Exists() {
				u.PromptTokensDetails = map[string]any{"cached_tokens": cached.Int()}
			}
		}
		c := base(map[string]any{}, &finish)
		c.Usage = u
		emit(c)
	}
}
