package provider

import (
	"fmt"
	"io"
	"strings"

	"ampproxy/internal/oauth"
	"ampproxy/internal/stream"
)

const anthropicBase = "https://api.anthropic.com"

// anthropicFixedBeta is the always-on beta feature set the official client
// sends on every request; it is unioned with whatever the client itself
// sent, minus the denylisted feature.
var anthropicFixedBeta = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"prompt-caching-scope-2026-01-05",
}

const anthropicDenylistedBeta = "context-1m-2025-08-07"
const anthropicUserAgent = "claude-cli/1.0.0 (external, cli)"

// anthropicStainlessHeaders is the static client-fingerprint header set the
// official SDK sends on every request.
var anthropicStainlessHeaders = map[string]string{
	"X-Stainless-Lang":            "js",
	"X-Stainless-Package-Version": "0.52.0",
	"X-Stainless-OS":              "Linux",
	"X-Stainless-Arch":            "x64",
	"X-Stainless-Runtime":         "node",
	"X-Stainless-Runtime-Version": "v22.14.0",
}

// AnthropicAdapter forwards client requests to Anthropic's native Messages
// API using OAuth-issued account credentials, matching the header shape and
// SSE-vs-buffered response split of the official client.
type AnthropicAdapter struct {
	engine *oauth.Engine
}

func NewAnthropicAdapter(engine *oauth.Engine) *AnthropicAdapter {
	return &AnthropicAdapter{engine: engine}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) IsAvailable(account int) bool {
	_, err := a.engine.Token(oauth.Anthropic, account)
	return err == nil
}

func (a *AnthropicAdapter) AccountCount() int {
	return a.engine.AccountCount(oauth.Anthropic)
}

func (a *AnthropicAdapter) Forward(req Request) (*Response, error) {
	token, err := a.engine.Token(oauth.Anthropic, req.Account)
	if err != nil {
		return nil, fmt.Errorf("anthropic token for account %d: %w", req.Account, err)
	}

	headers := map[string]string{
		"Content-Type":       "application/json",
		"Anthropic-Version":  "2023-06-01",
		"Authorization":      "Bearer " + token,
		"Anthropic-Beta":     unionBeta(req.Headers["anthropic-beta"]),
		"Anthropic-Dangerous-Direct-Browser-Access": "true",
		"User-Agent": anthropicUserAgent,
		"X-App":      "cli",
	}
	for k, v := range anthropicStainlessHeaders {
		headers[k] = v
	}

	url := anthropicBase + req.Path
	resp, err := rawForward(req.Method, url, headers, req.Body)
	if err != nil {
		return nil, err
	}

	rewrite := func(r io.Reader) io.ReadCloser {
		return stream.Transform(r, func(data string) (string, bool) {
			return stream.RewriteAnthropicData(data, req.Model), true
		})
	}
	return buildResponse(resp, rewrite), nil
}

// unionBeta merges the fixed beta set with the client's own anthropic-beta
// header, excluding the denylisted feature.
func unionBeta(clientBeta string) string {
	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || v == anthropicDenylistedBeta || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range anthropicFixedBeta {
		add(v)
	}
	for _, v := range strings.Split(clientBeta, ",") {
		add(v)
	}
	return strings.Join(out, ",")
}
