package provider

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// transientStatuses is the retry set for the common forward path: network
// failures and these five statuses get up to 3 attempts with linear
// backoff; 429 is deliberately excluded (the router owns that).
var transientStatuses = map[int]bool{408: true, 500: true, 502: true, 503: true, 504: true}

const maxForwardAttempts = 3

// rawForward is the shared "POST to url with headers and body, retry
// transient failures" routine every adapter's Forward builds on.
func rawForward(method, url string, headers map[string]string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxForwardAttempts; attempt++ {
		req, err := http.NewRequest(strings.ToUpper(method), url, strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[provider] attempt %d/%d to %s failed: %v", attempt, maxForwardAttempts, url, err)
			sleepBackoff(attempt)
			continue
		}
		if transientStatuses[resp.StatusCode] && attempt < maxForwardAttempts {
			resp.Body.Close()
			log.Printf("[provider] attempt %d/%d to %s got transient status %d, retrying", attempt, maxForwardAttempts, url, resp.StatusCode)
			sleepBackoff(attempt)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("forward to %s failed after %d attempts: %w", url, maxForwardAttempts, lastErr)
}

func sleepBackoff(attempt int) {
	time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
}

// buildResponse turns an *http.Response into the adapter-facing Response,
// applying the stream rewrite function to the decoded body when one is
// provided and the response is an SSE stream.
func buildResponse(resp *http.Response, rewrite func(io.Reader) io.ReadCloser) *Response {
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	isSSE := strings.Contains(headers["content-type"], "text/event-stream")
	if !isSSE {
		return &Response{Status: resp.StatusCode, Headers: headers, Body: resp.Body, IsStream: false}
	}

	out := copyForwardedHeaders(headers)
	body := resp.Body
	if rewrite != nil {
		body = rewrite(resp.Body)
	}
	return &Response{Status: resp.StatusCode, Headers: out, Body: body, IsStream: true}
}

func errorResponse(status int, message string) *Response {
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    io.NopCloser(strings.NewReader(fmt.Sprintf(`{"error":%q}`, message))),
	}
}
