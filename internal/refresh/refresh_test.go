package refresh

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ampproxy/internal/credstore"
	"ampproxy/internal/oauth"
)

func openTestStore(t *testing.T) *credstore.Store {
	t.Helper()
	s, err := credstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSweepOnce_RefreshesOnlyNearExpiryAccounts(t *testing.T) {
	var refreshed []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oauth.TokenResponse{AccessToken: "new", RefreshToken: "new-rt", ExpiresIn: 3600})
	}))
	defer srv.Close()

	store := openTestStore(t)
	store.Save("anthropic", 0, credstore.Credentials{
		AccessToken: "near-expiry", RefreshToken: "rt0",
		ExpiresAt: time.Now().Add(2 * time.Minute).UnixMilli(),
	})
	store.Save("anthropic", 1, credstore.Credentials{
		AccessToken: "far-future", RefreshToken: "rt1",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	store.Save("anthropic", 2, credstore.Credentials{
		AccessToken: "no-refresh-token", RefreshToken: "",
		ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	})

	engine := oauth.NewEngine(store)
	cfg := oauth.Anthropic
	cfg.TokenURL = srv.URL

	sweeper := New(store, engine, []oauth.ProviderConfig{cfg})
	sweeper.sweepOnce()

	got0, _ := store.Get("anthropic", 0)
	if got0.AccessToken != "new" {
		t.Errorf("expected account 0 (near expiry) refreshed, got %q", got0.AccessToken)
	}
	got1, _ := store.Get("anthropic", 1)
	if got1.AccessToken != "far-future" {
		t.Errorf("expected account 1 (far future expiry) left untouched, got %q", got1.AccessToken)
	}
	got2, _ := store.Get("anthropic", 2)
	if got2.AccessToken != "no-refresh-token" {
		t.Errorf("expected account 2 (no refresh token) left untouched, got %q", got2.AccessToken)
	}
	_ = refreshed
}

func TestSweepOnce_SwallowsPerAccountFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := openTestStore(t)
	store.Save("codex", 0, credstore.Credentials{
		AccessToken: "bad", RefreshToken: "rt0",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	})
	store.Save("google", 0, credstore.Credentials{
		AccessToken: "also-bad", RefreshToken: "rt1",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	})

	engine := oauth.NewEngine(store)
	codexCfg, googleCfg := oauth.Codex, oauth.Google
	codexCfg.TokenURL, googleCfg.TokenURL = srv.URL, srv.URL

	sweeper := New(store, engine, []oauth.ProviderConfig{codexCfg, googleCfg})

	done := make(chan struct{})
	go func() {
		sweeper.sweepOnce()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweepOnce should not hang or abort the process on a per-account failure")
	}
}

func TestStartStop_CancelsCleanly(t *testing.T) {
	store := openTestStore(t)
	engine := oauth.NewEngine(store)
	sweeper := New(store, engine, nil)
	stop := sweeper.Start()
	stop()
}
