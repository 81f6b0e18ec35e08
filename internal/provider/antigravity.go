package provider

import (
	"fmt"
	"io"
	"net/http"

	"ampproxy/internal/oauth"
	"ampproxy/internal/stream"
)

// antigravityEndpoints is the endpoint fallback cascade: try daily, then
// autopush, then prod, advancing on any 5xx or connect error. Kept as
// data, not control flow.
var antigravityEndpoints = []string{ccaDailyEndpoint, ccaAutopushEndpoint, ccaProdEndpoint}

// AntigravityAdapter shares Gemini's wire shape (CCA envelope) but targets
// a different user agent and tries a cascade of endpoints before giving up.
type AntigravityAdapter struct {
	engine *oauth.Engine
}

func NewAntigravityAdapter(engine *oauth.Engine) *AntigravityAdapter {
	return &AntigravityAdapter{engine: engine}
}

func (a *AntigravityAdapter) Name() string { return "antigravity" }

func (a *AntigravityAdapter) IsAvailable(account int) bool {
	_, err := a.engine.Token(oauth.Google, account)
	return err == nil
}

func (a *AntigravityAdapter) AccountCount() int {
	return a.engine.AccountCount(oauth.Google)
}

func (a *AntigravityAdapter) Forward(req Request) (*Response, error) {
	model, action, ok := parseModelAction(req.Path)
	if !ok {
		return unsupportedPathResponse(req.Path), nil
	}

	token, err := a.engine.Token(oauth.Google, req.Account)
	if err != nil {
		return nil, fmt.Errorf("antigravity token for account %d: %w", req.Account, err)
	}
	_, _, projectID, err := a.engine.Identity(oauth.Google, req.Account)
	if err != nil {
		return nil, fmt.Errorf("antigravity identity for account %d: %w", req.Account, err)
	}

	body, err := stream.WrapEnvelope(req.Body, projectID, model, "antigravity", "agent", "agent")
	if err != nil {
		return nil, fmt.Errorf("antigravity wrap envelope: %w", err)
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + token,
	}

	var lastErr error
	var resp *http.Response
	for _, endpoint := range antigravityEndpoints {
		url := stream.EndpointURL(endpoint, action)
		resp, err = rawForward(req.Method, url, headers, body)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("endpoint %s returned %d", endpoint, resp.StatusCode)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return errorResponse(502, fmt.Sprintf("all antigravity endpoints failed: %v", lastErr)), nil
	}

	rewrite := func(r io.Reader) io.ReadCloser {
		return stream.Transform(r, stream.UnwrapEnvelopeData)
	}
	return buildResponse(resp, rewrite), nil
}
