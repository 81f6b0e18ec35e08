package provider

import (
	"fmt"
	"io"
	"log"

	"ampproxy/internal/oauth"
	"ampproxy/internal/stream"
)

const codexBase = "https://chatgpt.com/backend-api"
const codexUserAgent = "codex_cli_rs/0.1.0"
const codexVersion = "0.1.0"

// CodexAdapter forwards client Chat-Completions-shaped requests to the
// ChatGPT backend's Responses API, transcoding the request and response
// bodies in both directions.
type CodexAdapter struct {
	engine *oauth.Engine
}

func NewCodexAdapter(engine *oauth.Engine) *CodexAdapter {
	return &CodexAdapter{engine: engine}
}

func (c *CodexAdapter) Name() string { return "codex" }

func (c *CodexAdapter) IsAvailable(account int) bool {
	_, err := c.engine.Token(oauth.Codex, account)
	return err == nil
}

func (c *CodexAdapter) AccountCount() int {
	return c.engine.AccountCount(oauth.Codex)
}

func (c *CodexAdapter) Forward(req Request) (*Response, error) {
	token, err := c.engine.Token(oauth.Codex, req.Account)
	if err != nil {
		return nil, fmt.Errorf("codex token for account %d: %w", req.Account, err)
	}
	_, accountID, _, err := c.engine.Identity(oauth.Codex, req.Account)
	if err != nil {
		return nil, fmt.Errorf("codex identity for account %d: %w", req.Account, err)
	}

	if !req.Stream {
		log.Printf("[codex] client requested a non-streaming response; sending stream:true upstream")
	}
	body, err := stream.ToResponsesAPI(req.Body, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("codex transcode request: %w", err)
	}

	headers := map[string]string{
		"Content-Type":        "application/json",
		"Authorization":       "Bearer " + token,
		"OpenAI-Beta":         "responses=experimental",
		"originator":          "codex_cli_rs",
		"User-Agent":          codexUserAgent,
		"Version":             codexVersion,
		"chatgpt-account-id":  accountID,
	}
	if req.ThreadID != "" {
		headers["session_id"] = req.ThreadID
		headers["conversation_id"] = req.ThreadID
	}

	url := codexBase + "/codex/responses"
	resp, err := rawForward(req.Method, url, headers, body)
	if err != nil {
		return nil, err
	}

	rewrite := func(r io.Reader) io.ReadCloser {
		return stream.ToChatCompletionsSSE(r, req.Model)
	}
	return buildResponse(resp, rewrite), nil
}
