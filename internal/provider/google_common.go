package provider

import (
	"fmt"
	"regexp"
)

// Cloud Code Assist hosts, grounded on
// other_examples/19e428e6_SX2000CN-antigravity-claude-proxy__internal-config-constants.go.go,
// which names exactly these three hosts and the daily->autopush->prod
// fallback order the Antigravity adapter uses.
const (
	ccaProdEndpoint     = "https://cloudcode-pa.googleapis.com"
	ccaDailyEndpoint    = "https://daily-cloudcode-pa.googleapis.com"
	ccaAutopushEndpoint = "https://autopush-cloudcode-pa.googleapis.com"
)

// modelActionRe parses the inbound "…/models/<model>:<action>" path shape
// both Google-family adapters route on.
var modelActionRe = regexp.MustCompile(`models/([^/:]+):([^/?]+)`)

func parseModelAction(path string) (model, action string, ok bool) {
	m := modelActionRe.FindStringSubmatch(path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func unsupportedPathResponse(path string) *Response {
	return errorResponse(401, fmt.Sprintf("unsupported path %q", path))
}
