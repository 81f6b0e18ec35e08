package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"ampproxy/internal/config"
	"ampproxy/internal/cooldown"
	"ampproxy/internal/limits"
	"ampproxy/internal/provider"
	"ampproxy/internal/routing"
	"ampproxy/internal/stats"
)

const (
	cachePreserveWaitMax = 10 * time.Second
	maxRerouteAttempts   = 4
)

// routeTags maps a pool name to its logging/stats tag.
var routeTags = map[string]string{
	"anthropic":   "LOCAL_CLAUDE",
	"codex":       "LOCAL_CODEX",
	"gemini":      "LOCAL_GEMINI",
	"antigravity": "LOCAL_ANTIGRAVITY",
}

const upstreamTag = "AMP_UPSTREAM"

// Pipeline ties the router, provider registry, cooldown tracker and stats
// ring into one HTTP handler.
type Pipeline struct {
	cfg        config.Config
	router     *routing.Router
	providers  *provider.Registry
	cooldowns  *cooldown.Tracker
	stats      *stats.Ring
	httpClient *http.Client
}

// New constructs a Pipeline over the given shared components.
func New(cfg config.Config, router *routing.Router, providers *provider.Registry, cooldowns *cooldown.Tracker, statsRing *stats.Ring) *Pipeline {
	return &Pipeline{
		cfg: cfg, router: router, providers: providers, cooldowns: cooldowns, stats: statsRing,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// ServeHTTP is the single entrypoint: it dispatches to the status handler,
// a browser redirect, an upstream passthrough, or a provider-routed request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[pipeline] panic handling %s %s: %v", r.Method, r.URL.Path, rec)
			writeJSONError(w, 500, "Internal proxy error")
		}
	}()

	path := r.URL.Path

	if (path == "/" || path == "/status") && r.Method == http.MethodGet {
		p.handleStatus(w)
		return
	}

	if isBrowserRedirect(path) {
		http.Redirect(w, r, p.cfg.UpstreamBaseURL+path, http.StatusFound)
		return
	}

	if isPassthrough(path) {
		p.forwardUpstream(w, r)
		return
	}

	if clientProvider, subpath, ok := providerRoute(path); ok {
		p.handleProviderRequest(w, r, clientProvider, subpath)
		return
	}

	p.forwardUpstream(w, r)
}

func (p *Pipeline) handleStatus(w http.ResponseWriter) {
	body := map[string]any{
		"status":  "ok",
		"service": "ampproxy",
		"port":    p.cfg.Port,
		"upstream": p.cfg.UpstreamBaseURL,
		"providers": map[string]bool{
			"anthropic": p.cfg.EnableAnthropic,
			"codex":     p.cfg.EnableCodex,
			"google":    p.cfg.EnableGoogle,
		},
		"stats": p.stats.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (p *Pipeline) handleProviderRequest(w http.ResponseWriter, r *http.Request, clientProvider, subpath string) {
	start := time.Now()

	var raw []byte
	if r.Method == http.MethodPost {
		var err error
		raw, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeJSONError(w, 400, "Failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
	}
	pb := parseBody(raw, subpath)
	threadID := r.Header.Get("x-amp-thread-id")

	if pb.MaxTokens != nil {
		if clamped := limits.ClampMaxTokens(pb.MaxTokens, pb.Model); clamped != nil && *clamped != *pb.MaxTokens {
			if out, err := sjson.SetBytes(raw, "max_tokens", *clamped); err == nil {
				raw = out
				pb.MaxTokens = clamped
			}
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}

	enabled := map[string]bool{"anthropic": p.cfg.EnableAnthropic, "openai": p.cfg.EnableCodex, "google": p.cfg.EnableGoogle}
	if on, known := enabled[clientProvider]; known && !on {
		log.Printf("[pipeline] %s: provider disabled, falling back upstream", clientProvider)
		p.recordStats(upstreamTag, clientProvider, pb.Model, 0, time.Since(start))
		p.forwardUpstream(w, r)
		return
	}

	result, err := p.router.Resolve(clientProvider, threadID)
	if err != nil {
		log.Printf("[router] resolve error for %s: %v", clientProvider, err)
		p.forwardUpstream(w, r)
		return
	}
	if !result.Handled {
		log.Printf("[pipeline] %s: no local route, falling back upstream", clientProvider)
		p.recordStats(upstreamTag, clientProvider, pb.Model, 0, time.Since(start))
		p.forwardUpstream(w, r)
		return
	}

	adapter := p.providers.Get(result.Pool)
	if adapter == nil {
		log.Printf("[pipeline] no adapter registered for pool %q, falling back upstream", result.Pool)
		p.forwardUpstream(w, r)
		return
	}

	req := provider.Request{
		Path: subpath, Method: r.Method, Headers: headers, Body: raw,
		Model: pb.Model, Stream: pb.Stream, ThreadID: threadID, Account: result.Account,
	}

	resp, pool, account, ok := p.runRetryReroute(r.Context(), clientProvider, result.Pool, result.Account, adapter, req, threadID)
	if !ok {
		p.recordStats(upstreamTag, clientProvider, pb.Model, 0, time.Since(start))
		p.forwardUpstream(w, r)
		return
	}

	p.recordStats(routeTags[pool], clientProvider, pb.Model, resp.Status, time.Since(start))
	writeProviderResponse(w, resp)
	_ = account
}

// runRetryReroute implements the retry/reroute state machine: a
// cache-preserve retry on a short, known Retry-After, then a bounded
// reroute loop across the remaining accounts of every pool that serves the
// client provider.
func (p *Pipeline) runRetryReroute(ctx context.Context, clientProvider, pool string, account int, adapter provider.Adapter, req provider.Request, threadID string) (*provider.Response, string, int, bool) {
	resp, err := adapter.Forward(req)
	if err != nil {
		log.Printf("[pipeline] forward to %s:%d failed: %v", pool, account, err)
		return nil, "", 0, false
	}

	switch {
	case resp.Status != 401 && resp.Status != 429:
		p.cooldowns.RecordSuccess(pool, account)
		return resp, pool, account, true

	case resp.Status == 401:
		log.Printf("[debug] 401 from %s:%d, not retrying locally", pool, account)
		return nil, "", 0, false
	}

	// 429 path.
	retryAfter := cooldown.ParseRetryAfter(resp.Headers["retry-after"])
	lastRetryAfter := retryAfter
	if retryAfter > 0 && time.Duration(retryAfter)*time.Second <= cachePreserveWaitMax {
		if !sleepCancellable(ctx, time.Duration(retryAfter)*time.Second) {
			return nil, "", 0, false
		}
		retryResp, err := adapter.Forward(req)
		if err == nil {
			switch {
			case retryResp.Status != 401 && retryResp.Status != 429:
				p.cooldowns.RecordSuccess(pool, account)
				return retryResp, pool, account, true
			case retryResp.Status == 401:
				log.Printf("[debug] 401 from %s:%d on cache-preserve retry, not retrying locally", pool, account)
				return nil, "", 0, false
			default:
				// Don't record this 429 here: the reroute loop's first
				// RerouteAfter429 call below records it against the same
				// pair before picking the next candidate, so recording
				// twice would double-increment consecutive429.
				lastRetryAfter = cooldown.ParseRetryAfter(retryResp.Headers["retry-after"])
			}
		}
	}

	failedPool, failedAccount := pool, account
	for attempt := 0; attempt < maxRerouteAttempts; attempt++ {
		next, err := p.router.RerouteAfter429(clientProvider, failedPool, failedAccount, lastRetryAfter, threadID)
		if err != nil || !next.Handled {
			return nil, "", 0, false
		}
		nextAdapter := p.providers.Get(next.Pool)
		if nextAdapter == nil {
			return nil, "", 0, false
		}
		req.Account = next.Account
		nextResp, err := nextAdapter.Forward(req)
		if err != nil {
			return nil, "", 0, false
		}
		switch {
		case nextResp.Status != 401 && nextResp.Status != 429:
			p.cooldowns.RecordSuccess(next.Pool, next.Account)
			return nextResp, next.Pool, next.Account, true
		case nextResp.Status == 401:
			log.Printf("[debug] 401 from %s:%d during reroute, aborting", next.Pool, next.Account)
			return nil, "", 0, false
		default:
			failedPool, failedAccount = next.Pool, next.Account
			lastRetryAfter = cooldown.ParseRetryAfter(nextResp.Headers["retry-after"])
		}
	}
	return nil, "", 0, false
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) recordStats(routeTag, provider, model string, status int, dur time.Duration) {
	p.stats.Record(stats.Entry{
		Timestamp: time.Now(), RouteTag: routeTag, Provider: provider, Model: model,
		Status: status, DurationMs: dur.Milliseconds(),
	})
}

// forwardUpstream is the fallback upstream proxy: rewrite the URL to the
// upstream base, attach the configured key if known, strip hop-by-hop
// headers that would otherwise mismatch the re-encoded body, and stream
// the response through unchanged.
func (p *Pipeline) forwardUpstream(w http.ResponseWriter, r *http.Request) {
	targetURL := p.cfg.UpstreamBaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		writeJSONError(w, 500, "Internal proxy error")
		return
	}
	req.Header = r.Header.Clone()
	if p.cfg.UpstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.UpstreamAPIKey)
	}

	noRedirectClient := &http.Client{
		Timeout: p.httpClient.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirectClient.Do(req)
	if err != nil {
		writeJSONError(w, 502, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Content-Encoding") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeProviderResponse(w http.ResponseWriter, resp *provider.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.IsStream {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(resp.Status)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	resp.Body.Close()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
