package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"ampproxy/internal/credstore"
)

const (
	callbackTimeout = 120 * time.Second
	refreshRetryGap = 1 * time.Second
)

// Engine is the OAuth login/refresh engine shared by all four pools.
type Engine struct {
	store *credstore.Store

	loginMu    sync.Mutex
	loginLocks map[string]chan struct{} // provider name -> in-flight gate

	refreshMu    sync.Mutex
	refreshLocks map[string]chan struct{} // "provider:account" -> in-flight gate

	httpClient *http.Client
}

// NewEngine constructs an Engine over the given credential store.
func NewEngine(store *credstore.Store) *Engine {
	return &Engine{
		store:        store,
		loginLocks:   make(map[string]chan struct{}),
		refreshLocks: make(map[string]chan struct{}),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Ready reports whether any usable (refresh-token-bearing) account exists
// for this provider.
func (e *Engine) Ready(cfg ProviderConfig) bool {
	ok, err := e.store.Exists(cfg.Name)
	return err == nil && ok
}

// AccountCount returns how many accounts are stored for this provider.
func (e *Engine) AccountCount(cfg ProviderConfig) int {
	n, err := e.store.Count(cfg.Name)
	if err != nil {
		return 0
	}
	return n
}

// Token returns a fresh access token for (cfg, account), refreshing first
// if the stored credential has expired.
func (e *Engine) Token(cfg ProviderConfig, account int) (string, error) {
	creds, err := e.store.Get(cfg.Name, account)
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", fmt.Errorf("no credentials for %s account %d", cfg.Name, account)
	}
	if credstore.Fresh(*creds, nowMs()) {
		return creds.AccessToken, nil
	}
	if err := e.refresh(cfg, account); err != nil {
		return "", err
	}
	creds, err = e.store.Get(cfg.Name, account)
	if err != nil || creds == nil {
		return "", fmt.Errorf("credential vanished mid-refresh for %s account %d", cfg.Name, account)
	}
	return creds.AccessToken, nil
}

// TokenFromAny returns the first fresh token across all accounts for cfg,
// else attempts a refresh per account in stored order until one succeeds.
func (e *Engine) TokenFromAny(cfg ProviderConfig) (string, int, error) {
	entries, err := e.store.GetAll(cfg.Name)
	if err != nil {
		return "", 0, err
	}
	for _, en := range entries {
		if credstore.Fresh(en.Credentials, nowMs()) {
			return en.Credentials.AccessToken, en.Account, nil
		}
	}
	for _, en := range entries {
		if err := e.refresh(cfg, en.Account); err == nil {
			creds, err := e.store.Get(cfg.Name, en.Account)
			if err == nil && creds != nil {
				return creds.AccessToken, en.Account, nil
			}
		}
	}
	return "", 0, fmt.Errorf("no usable account for %s", cfg.Name)
}

// Identity returns the stored credential's identity fields for an account,
// for adapters that need to echo them upstream (e.g. Codex's
// chatgpt-account-id header).
func (e *Engine) Identity(cfg ProviderConfig, account int) (email, accountID, projectID string, err error) {
	creds, err := e.store.Get(cfg.Name, account)
	if err != nil {
		return "", "", "", err
	}
	if creds == nil {
		return "", "", "", fmt.Errorf("no credentials for %s account %d", cfg.Name, account)
	}
	return creds.Email, creds.AccountID, creds.ProjectID, nil
}

// refresh coalesces concurrent refreshes of the same (provider,account)
// into a single network call via a single-flight channel map.
func (e *Engine) refresh(cfg ProviderConfig, account int) error {
	key := fmt.Sprintf("%s:%d", cfg.Name, account)

	e.refreshMu.Lock()
	if ch, inFlight := e.refreshLocks[key]; inFlight {
		e.refreshMu.Unlock()
		<-ch
		return nil
	}
	ch := make(chan struct{})
	e.refreshLocks[key] = ch
	e.refreshMu.Unlock()

	defer func() {
		e.refreshMu.Lock()
		delete(e.refreshLocks, key)
		e.refreshMu.Unlock()
		close(ch)
	}()

	err := e.doRefresh(cfg, account)
	if err != nil {
		log.Printf("[auth] refresh failed for %s account %d, retrying once: %v", cfg.Name, account, err)
		time.Sleep(refreshRetryGap)
		err = e.doRefresh(cfg, account)
	}
	if err != nil {
		log.Printf("[auth] refresh permanently failed for %s account %d: %v", cfg.Name, account, err)
	}
	return err
}

func (e *Engine) doRefresh(cfg ProviderConfig, account int) error {
	prior, err := e.store.Get(cfg.Name, account)
	if err != nil {
		return err
	}
	if prior == nil || prior.RefreshToken == "" {
		return fmt.Errorf("no refresh token stored for %s account %d", cfg.Name, account)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {prior.RefreshToken},
		"client_id":     {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	tok, err := e.postToken(cfg, form)
	if err != nil {
		return err
	}

	merged := *prior
	merged.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		merged.RefreshToken = tok.RefreshToken
	}
	merged.ExpiresAt = expiresAt(tok.ExpiresIn, cfg.NoExpiryBuf)

	return e.store.Save(cfg.Name, account, merged)
}

func (e *Engine) postToken(cfg ProviderConfig, form url.Values) (*TokenResponse, error) {
	var req *http.Request
	var err error
	if cfg.Encoding == EncodingJSON {
		body := make(map[string]string, len(form))
		for k := range form {
			body[k] = form.Get(k)
		}
		raw, merr := json.Marshal(body)
		if merr != nil {
			return nil, merr
		}
		req, err = http.NewRequest(http.MethodPost, cfg.TokenURL, bytes.NewReader(raw))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequest(http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(raw))
	}

	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tok, nil
}

// Login runs the interactive PKCE authorization-code flow for cfg,
// returning the newly stored Credentials on success. A per-provider
// single-flight lock ensures only one login is in flight at a time; late
// callers wait for the in-flight attempt instead of opening a second
// browser tab.
func (e *Engine) Login(ctx context.Context, cfg ProviderConfig) (*credstore.Credentials, error) {
	e.loginMu.Lock()
	if ch, inFlight := e.loginLocks[cfg.Name]; inFlight {
		e.loginMu.Unlock()
		<-ch
		return e.store.Get(cfg.Name, 0)
	}
	ch := make(chan struct{})
	e.loginLocks[cfg.Name] = ch
	e.loginMu.Unlock()
	defer func() {
		e.loginMu.Lock()
		delete(e.loginLocks, cfg.Name)
		e.loginMu.Unlock()
		close(ch)
	}()

	return e.runLogin(ctx, cfg)
}

func (e *Engine) runLogin(ctx context.Context, cfg ProviderConfig) (*credstore.Credentials, error) {
	verifierBytes := make([]byte, 96)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	state := randomHex(16)

	callback := make(chan callbackResult, 1)
	listenAddr := fmt.Sprintf("%s:%d", cfg.RedirectHost, cfg.RedirectPort)
	srv, errCh := startCallbackServer(listenAddr, cfg.RedirectPath, callback)
	defer srv.Close()

	authURL := buildAuthURL(cfg, state, verifier)
	log.Printf("[auth] opening browser for %s login: %s", cfg.Name, authURL)
	if err := browser.OpenURL(authURL); err != nil {
		log.Printf("[auth] could not open browser automatically, visit: %s", authURL)
	}

	var result callbackResult
	select {
	case result = <-callback:
	case err := <-errCh:
		return nil, fmt.Errorf("callback server: %w", err)
	case <-time.After(callbackTimeout):
		return nil, fmt.Errorf("oauth callback timed out after %s", callbackTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if result.state != state {
		return nil, fmt.Errorf("possible CSRF: state mismatch")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {result.code},
		"redirect_uri":  {redirectURI(cfg)},
		"client_id":     {cfg.ClientID},
		"code_verifier": {verifier},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if cfg.IncludeState {
		form.Set("state", state)
	}

	tok, err := e.postToken(cfg, form)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	email, accountID, projectID := "", "", ""
	if cfg.IdentityExtract != nil {
		email, accountID, projectID = cfg.IdentityExtract(e, tok)
	}

	candidate := credstore.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt(tok.ExpiresIn, cfg.NoExpiryBuf),
		Email:        email,
		AccountID:    accountID,
		ProjectID:    projectID,
	}

	account, matched, err := e.store.FindByIdentity(cfg.Name, candidate)
	if err != nil {
		return nil, err
	}
	if !matched {
		account, err = e.store.NextAccount(cfg.Name)
		if err != nil {
			return nil, err
		}
	} else if candidate.RefreshToken == "" {
		// token response omitted a refresh token: carry over the prior one
		prior, err := e.store.Get(cfg.Name, account)
		if err != nil {
			return nil, err
		}
		if prior == nil || prior.RefreshToken == "" {
			return nil, fmt.Errorf("no refresh token")
		}
		candidate.RefreshToken = prior.RefreshToken
	}
	if candidate.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}

	if err := e.store.Save(cfg.Name, account, candidate); err != nil {
		return nil, err
	}
	log.Printf("[auth] %s login complete: account %d (%s)", cfg.Name, account, candidate.Email)
	return &candidate, nil
}

func buildAuthURL(cfg ProviderConfig, state, verifier string) string {
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	q := url.Values{
		"client_id":             {cfg.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI(cfg)},
		"scope":                 {cfg.Scope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	for k, v := range cfg.ExtraParams {
		q.Set(k, v)
	}
	u, _ := url.Parse(cfg.AuthURL)
	u.RawQuery = q.Encode()
	return u.String()
}

func redirectURI(cfg ProviderConfig) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.RedirectHost, cfg.RedirectPort, cfg.RedirectPath)
}

type callbackResult struct {
	code  string
	state string
}

func startCallbackServer(addr, path string, result chan<- callbackResult) (*http.Server, <-chan error) {
	mux := http.NewServeMux()
	errCh := make(chan error, 1)
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		result <- callbackResult{code: q.Get("code"), state: q.Get("state")}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>Login complete, you may close this tab.</body></html>")
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return srv, errCh
}

func expiresAt(expiresInSec int64, noBuffer bool) int64 {
	d := time.Duration(expiresInSec) * time.Second
	if !noBuffer {
		d -= expiryBuffer
	}
	return time.Now().Add(d).UnixMilli()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
