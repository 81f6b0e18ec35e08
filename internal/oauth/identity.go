package oauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// extractAnthropicIdentity reads account.email_address / account.uuid from
// the claims of the access token, decoded as an unverified JWT. An "account"
// object in the token-endpoint response body is not read (TokenResponse does
// not carry one), and an access token that is not a JWT yields an empty
// identity.
func extractAnthropicIdentity(tok *TokenResponse) (email, accountID, projectID string) {
	claims, err := decodeUnverifiedJWT(tok.AccessToken)
	if err != nil {
		return "", "", ""
	}
	if acct, ok := claims["account"].(map[string]any); ok {
		if e, ok := acct["email_address"].(string); ok {
			email = e
		}
		if u, ok := acct["uuid"].(string); ok {
			accountID = u
		}
	}
	return
}

// extractCodexIdentity decodes the middle segment of the ChatGPT access
// token JWT (without signature verification - the proxy is not this
// token's audience, it is only reading a claim out of it) and reads
// chatgpt_account_id from the "https://api.openai.com/auth" claim. Email is
// fetched from /v1/me separately.
func extractCodexIdentity(e *Engine, tok *TokenResponse) (email, accountID, projectID string) {
	claims, err := decodeUnverifiedJWT(tok.AccessToken)
	if err != nil {
		log.Printf("[auth] codex: failed to decode access token claims: %v", err)
		return "", "", ""
	}
	if auth, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if id, ok := auth["chatgpt_account_id"].(string); ok {
			accountID = id
		}
	}

	req, err := http.NewRequest(http.MethodGet, "https://api.openai.com/v1/me", nil)
	if err == nil {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		resp, err := e.httpClient.Do(req)
		if err == nil {
			defer resp.Body.Close()
			var me struct {
				Email string `json:"email"`
			}
			if json.NewDecoder(resp.Body).Decode(&me) == nil {
				email = me.Email
			}
		}
	}
	return
}

// extractGoogleIdentity fetches userinfo for the email, then discovers a
// Cloud project via loadCodeAssist across the endpoint cascade
// {prod, daily, autopush}, falling back to a fixed project id if all three
// fail.
func extractGoogleIdentity(e *Engine, tok *TokenResponse) (email, accountID, projectID string) {
	req, err := http.NewRequest(http.MethodGet, "https://www.googleapis.com/oauth2/v1/userinfo", nil)
	if err == nil {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		resp, err := e.httpClient.Do(req)
		if err == nil {
			defer resp.Body.Close()
			var info struct {
				Email string `json:"email"`
				ID    string `json:"id"`
			}
			if json.NewDecoder(resp.Body).Decode(&info) == nil {
				email, accountID = info.Email, info.ID
			}
		}
	}

	projectID = discoverCloudProject(e, tok.AccessToken)
	return
}

const fallbackProjectID = "rising-fact-p41fc"

var loadCodeAssistEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
	"https://autopush-cloudcode-pa.googleapis.com",
}

func discoverCloudProject(e *Engine, accessToken string) string {
	reqBody := []byte(`{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)

	for _, endpoint := range loadCodeAssistEndpoints {
		url := endpoint + "/v1internal:loadCodeAssist"
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			continue
		}

		var parsed map[string]any
		if json.Unmarshal(body, &parsed) != nil {
			continue
		}
		switch v := parsed["cloudaicompanionProject"].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if id, ok := v["id"].(string); ok && id != "" {
				return id
			}
		}
	}

	log.Printf("[auth] google: loadCodeAssist failed on all endpoints, using fallback project %s", fallbackProjectID)
	return fallbackProjectID
}

// decodeUnverifiedJWT parses a JWT's claims without checking its signature.
func decodeUnverifiedJWT(token string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	return claims, nil
}
