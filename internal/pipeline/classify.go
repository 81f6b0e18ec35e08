// Package pipeline implements the HTTP request pipeline: path
// classification, provider routing, the retry/reroute state machine, and
// upstream fallback forwarding.
package pipeline

import (
	"regexp"
	"strings"
)

var browserRedirectPrefixes = []string{"/auth", "/threads", "/docs", "/settings"}
var browserRedirectExact = map[string]bool{"/threads.rss": true, "/news.rss": true}

var passthroughPrefixes = []string{
	"/api/internal", "/api/user", "/api/auth", "/api/meta", "/api/ads",
	"/api/telemetry", "/api/threads", "/api/otel", "/api/tab", "/api/durable-thread-workers",
}

var providerRouteRe = regexp.MustCompile(`^/api/provider/([^/]+)(/.*)$`)

var modelFromURLRe = regexp.MustCompile(`models/([^/:]+)`)

// isBrowserRedirect reports whether path should 302 to the upstream base.
func isBrowserRedirect(path string) bool {
	if browserRedirectExact[path] {
		return true
	}
	for _, prefix := range browserRedirectPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// isPassthrough reports whether path should be forwarded to upstream
// unchanged.
func isPassthrough(path string) bool {
	for _, prefix := range passthroughPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// providerRoute parses "/api/provider/<clientProvider>/<subpath>".
func providerRoute(path string) (clientProvider, subpath string, ok bool) {
	m := providerRouteRe.FindStringSubmatch(path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// modelFromURL extracts a model id from a path like
// "/v1beta/models/gemini-3-flash-preview:streamGenerateContent", the URL
// fallback parseBody uses when the body carries no "model" field.
func modelFromURL(path string) string {
	m := modelFromURLRe.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}
