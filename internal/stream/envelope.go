package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// WrapEnvelope wraps a request body in the Google Cloud Code Assist
// envelope. If body already carries a "project" field it is passed through
// untouched (the caller already wrapped it); otherwise it is wrapped as
// {project, model, request: body, requestType?, userAgent, requestId}.
func WrapEnvelope(body []byte, project, model, userAgent, requestIDPrefix string, requestType string) ([]byte, error) {
	if gjson.GetBytes(body, "project").Exists() {
		return body, nil
	}

	var parsedBody any
	if gjson.ValidBytes(body) {
		parsedBody = gjson.ParseBytes(body).Value()
	} else {
		parsedBody = string(body)
	}

	envelope := map[string]any{
		"project":   project,
		"model":     model,
		"request":   parsedBody,
		"userAgent": userAgent,
		"requestId": requestID(requestIDPrefix),
	}
	if requestType != "" {
		envelope["requestType"] = requestType
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wrap envelope: %w", err)
	}
	return out, nil
}

// EndpointURL builds the v1internal action URL for a Cloud Code Assist
// endpoint.
func EndpointURL(endpoint, action string) string {
	return fmt.Sprintf("%s/v1internal:%s?alt=sse", endpoint, action)
}

// UnwrapEnvelopeData implements the inbound half: each data payload is
// {response: X, traceId: Y}; the inner X is re-emitted as the payload, and
// the literal "[DONE]" record is suppressed since the client SDK on this
// path does not expect one.
func UnwrapEnvelopeData(data string) (rewritten string, keep bool) {
	if data == "[DONE]" {
		return "", false
	}
	if !gjson.Valid(data) {
		return data, true
	}
	inner := gjson.Get(data, "response")
	if !inner.Exists() {
		return data, true
	}
	return inner.Raw, true
}

// requestID mints a per-request envelope ID of the form
// "<prefix>-<epochMillis>-<8 hex chars>"; the hex suffix is the first eight
// characters of a google/uuid value rather than a hand-rolled random suffix,
// grounded on the Gemini Code-Assist proxies in the retrieval pack.
func requestID(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, nowMillis(), uuid.NewString()[:8])
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
