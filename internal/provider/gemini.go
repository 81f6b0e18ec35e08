package provider

import (
	"fmt"
	"io"

	"ampproxy/internal/oauth"
	"ampproxy/internal/stream"
)

// GeminiAdapter forwards client requests to the production Cloud Code
// Assist endpoint, wrapping and unwrapping the CCA envelope.
type GeminiAdapter struct {
	engine *oauth.Engine
}

func NewGeminiAdapter(engine *oauth.Engine) *GeminiAdapter {
	return &GeminiAdapter{engine: engine}
}

func (g *GeminiAdapter) Name() string { return "gemini" }

func (g *GeminiAdapter) IsAvailable(account int) bool {
	_, err := g.engine.Token(oauth.Google, account)
	return err == nil
}

func (g *GeminiAdapter) AccountCount() int {
	return g.engine.AccountCount(oauth.Google)
}

func (g *GeminiAdapter) Forward(req Request) (*Response, error) {
	model, action, ok := parseModelAction(req.Path)
	if !ok {
		return unsupportedPathResponse(req.Path), nil
	}

	token, err := g.engine.Token(oauth.Google, req.Account)
	if err != nil {
		return nil, fmt.Errorf("gemini token for account %d: %w", req.Account, err)
	}
	_, _, projectID, err := g.engine.Identity(oauth.Google, req.Account)
	if err != nil {
		return nil, fmt.Errorf("gemini identity for account %d: %w", req.Account, err)
	}

	body, err := stream.WrapEnvelope(req.Body, projectID, model, "pi-coding-agent", "pi", "")
	if err != nil {
		return nil, fmt.Errorf("gemini wrap envelope: %w", err)
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + token,
	}

	url := stream.EndpointURL(ccaProdEndpoint, action)
	resp, err := rawForward(req.Method, url, headers, body)
	if err != nil {
		return nil, err
	}

	rewrite := func(r io.Reader) io.ReadCloser {
		return stream.Transform(r, stream.UnwrapEnvelopeData)
	}
	return buildResponse(resp, rewrite), nil
}
