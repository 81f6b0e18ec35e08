package routing

import (
	"testing"

	"ampproxy/internal/affinity"
	"ampproxy/internal/cooldown"
	"ampproxy/internal/credstore"
)

func newTestRouter(t *testing.T) (*Router, *credstore.Store, *cooldown.Tracker, *affinity.Map) {
	t.Helper()
	t.Setenv("CREDSTORE_KEY", "test-passphrase-for-router-tests")
	store, err := credstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open credstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cooldowns := cooldown.New()
	aff := affinity.New()
	return New(store, cooldowns, aff), store, cooldowns, aff
}

func seedAccount(t *testing.T, store *credstore.Store, pool string, account int) {
	t.Helper()
	if err := store.Save(pool, account, credstore.Credentials{
		AccessToken: "access", RefreshToken: "refresh", ExpiresAt: 9999999999999,
	}); err != nil {
		t.Fatalf("seed account %s:%d: %v", pool, account, err)
	}
}

func TestResolveFallsBackUpstreamWithNoCandidates(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	result, err := r.Resolve("anthropic", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Decision != DecisionUpstream || result.Handled {
		t.Errorf("expected upstream fallback, got %+v", result)
	}
}

func TestResolvePicksLeastConnections(t *testing.T) {
	r, store, _, aff := newTestRouter(t)
	seedAccount(t, store, "codex", 0)
	seedAccount(t, store, "codex", 1)
	aff.Set("other-thread", "openai", "codex", 1) // bump account 1's active count

	result, err := r.Resolve("openai", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Pool != "codex" || result.Account != 0 {
		t.Errorf("expected least-loaded account 0, got %+v", result)
	}
}

func TestResolveSetsAndReusesAffinityPin(t *testing.T) {
	r, store, _, _ := newTestRouter(t)
	// One "google" credential serves both the gemini and antigravity pools.
	seedAccount(t, store, "google", 0)

	first, err := r.Resolve("google", "thread-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.Handled {
		t.Fatalf("expected a handled route, got %+v", first)
	}

	second, err := r.Resolve("google", "thread-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Pool != first.Pool || second.Account != first.Account {
		t.Errorf("expected the same pin reused, got %+v then %+v", first, second)
	}
}

func TestResolveBreaksPinWhenExhausted(t *testing.T) {
	r, store, cooldowns, _ := newTestRouter(t)
	seedAccount(t, store, "codex", 0)
	seedAccount(t, store, "codex", 1)

	first, err := r.Resolve("openai", "thread-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cooldowns.Record403(first.Pool, first.Account)

	second, err := r.Resolve("openai", "thread-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Account == first.Account {
		t.Errorf("expected a different account after the pin's pair was disabled, got %+v", second)
	}
}

func TestRerouteAfter429RecordsAndReselects(t *testing.T) {
	r, store, _, _ := newTestRouter(t)
	seedAccount(t, store, "codex", 0)
	seedAccount(t, store, "codex", 1)

	initial, err := r.Resolve("openai", "thread-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rerouted, err := r.RerouteAfter429("openai", initial.Pool, initial.Account, 400, "thread-1")
	if err != nil {
		t.Fatalf("reroute: %v", err)
	}
	if !rerouted.Handled || rerouted.Account == initial.Account {
		t.Errorf("expected reroute to the other account, got initial=%+v rerouted=%+v", initial, rerouted)
	}
}
