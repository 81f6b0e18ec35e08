package stream

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestToResponsesAPIBasicConversion(t *testing.T) {
	body := []byte(`{"model":"gpt-5.2","messages":[{"role":"system","content":"sys"},{"role":"user","content":"hi"}]}`)
	out, err := ToResponsesAPI(body, "")
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if gjson.GetBytes(out, "instructions").String() != "sys" {
		t.Errorf("expected instructions from system message, got %s", out)
	}
	if gjson.GetBytes(out, "input.0.role").String() != "user" {
		t.Errorf("expected user message in input, got %s", out)
	}
	if gjson.GetBytes(out, "input.0.content.0.text").String() != "hi" {
		t.Errorf("expected input_text 'hi', got %s", out)
	}
	if gjson.GetBytes(out, "store").Bool() {
		t.Error("expected store:false")
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Error("expected stream:true")
	}
	if gjson.GetBytes(out, "reasoning.effort").String() != "high" {
		t.Errorf("expected default reasoning effort high, got %s", out)
	}
	if gjson.GetBytes(out, "messages").Exists() {
		t.Error("expected messages field stripped")
	}
}

func TestToResponsesAPIOrphanToolOutput(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","messages":[{"role":"tool","tool_call_id":"call_1","content":"42"}]}`)
	out, err := ToResponsesAPI(body, "")
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	text := gjson.GetBytes(out, "input.0.content.0.text").String()
	if text == "" || text == "42" {
		t.Errorf("expected synthesized orphan message text, got %q", text)
	}
}

func TestClampReasoningEffort(t *testing.T) {
	cases := []struct {
		model, in, want string
	}{
		{"gpt-5.1", "xhigh", "high"},
		{"gpt-5.1", "high", "high"},
		{"gpt-5.2-preview", "minimal", "low"},
		{"gpt-5.3", "minimal", "low"},
		{"gpt-5.1-codex-mini", "xhigh", "high"},
		{"gpt-5.1-codex-mini", "low", "medium"},
		{"gpt-4o", "xhigh", "xhigh"},
	}
	for _, c := range cases {
		if got := clampReasoningEffort(c.model, c.in); got != c.want {
			t.Errorf("clampReasoningEffort(%s,%s) = %s, want %s", c.model, c.in, got, c.want)
		}
	}
}

func TestToResponsesAPIToolCallRoundTrip(t *testing.T) {
	body := []byte(`{"model":"gpt-5.2","messages":[
		{"role":"user","content":"run it"},
		{"role":"assistant","tool_calls":[{"id":"call_1","function":{"name":"run","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"ok"}
	]}`)
	out, err := ToResponsesAPI(body, "thread-1")
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if gjson.GetBytes(out, "input.1.type").String() != "function_call" {
		t.Errorf("expected function_call item, got %s", out)
	}
	if gjson.GetBytes(out, "input.2.type").String() != "function_call_output" {
		t.Errorf("expected function_call_output for matched call_id, got %s", out)
	}
	if gjson.GetBytes(out, "prompt_cache_key").String() != "thread-1" {
		t.Errorf("expected prompt_cache_key from thread id, got %s", out)
	}
}
