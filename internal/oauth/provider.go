// Package oauth implements the PKCE authorization-code login flow and the
// refresh-token flow shared by all four provider pools, plus pluggable
// per-provider identity extraction. Token freshness is cached with a fixed
// expiry buffer and refreshes are coalesced per account; the login flow
// opens the system browser via github.com/pkg/browser and runs a local
// redirect listener to catch the authorization callback.
package oauth

import "time"

// BodyEncoding selects how the token-exchange request body is serialized.
type BodyEncoding int

const (
	EncodingForm BodyEncoding = iota
	EncodingJSON
)

// ProviderConfig is the compile-time OAuth configuration for one provider.
type ProviderConfig struct {
	Name         string // "anthropic", "codex", "google"
	ClientID     string
	ClientSecret string // optional
	AuthURL      string
	TokenURL     string
	RedirectHost string
	RedirectPort int
	RedirectPath string
	Scope        string
	Encoding     BodyEncoding
	IncludeState bool // include state in the token-exchange body
	ExtraParams  map[string]string
	NoExpiryBuf  bool // disable the 5-minute expiry buffer

	// IdentityExtract resolves the stable identity of the account that just
	// logged in, given the freshly exchanged token response fields.
	IdentityExtract func(e *Engine, tok *TokenResponse) (email, accountID, projectID string)
}

// TokenResponse is the provider's raw token-endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
}

const expiryBuffer = 5 * time.Minute

// Anthropic is the compile-time config for the anthropic pool.
var Anthropic = ProviderConfig{
	Name:         "anthropic",
	ClientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	AuthURL:      "https://claude.ai/oauth/authorize",
	TokenURL:     "https://console.anthropic.com/v1/oauth/token",
	RedirectHost: "localhost",
	RedirectPort: 54545,
	RedirectPath: "/callback",
	Scope:        "org:create_api_key user:profile user:inference",
	Encoding:     EncodingJSON,
	IncludeState: true,
	IdentityExtract: func(e *Engine, tok *TokenResponse) (string, string, string) {
		return extractAnthropicIdentity(tok)
	},
}

// Codex is the compile-time config for the ChatGPT/Codex pool.
var Codex = ProviderConfig{
	Name:         "codex",
	ClientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
	AuthURL:      "https://auth.openai.com/oauth/authorize",
	TokenURL:     "https://auth.openai.com/oauth/token",
	RedirectHost: "localhost",
	RedirectPort: 1455,
	RedirectPath: "/auth/callback",
	Scope:        "openid profile email offline_access",
	Encoding:     EncodingJSON,
	IncludeState: false,
	IdentityExtract: func(e *Engine, tok *TokenResponse) (string, string, string) {
		return extractCodexIdentity(e, tok)
	},
}

// Google is the compile-time config shared by the gemini and antigravity
// pools (a single Google credential serves both), grounded on the OAuth
// client id/scopes in
// other_examples/19e428e6_SX2000CN-antigravity-claude-proxy__internal-config-constants.go.go.
var Google = ProviderConfig{
	Name:         "google",
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	RedirectHost: "localhost",
	RedirectPort: 8085,
	RedirectPath: "/oauth2callback",
	Scope: "https://www.googleapis.com/auth/cloud-platform " +
		"https://www.googleapis.com/auth/userinfo.email " +
		"https://www.googleapis.com/auth/userinfo.profile",
	Encoding:     EncodingForm,
	IncludeState: true,
	ExtraParams:  map[string]string{"access_type": "offline", "prompt": "consent"},
	IdentityExtract: func(e *Engine, tok *TokenResponse) (string, string, string) {
		return extractGoogleIdentity(e, tok)
	},
}
