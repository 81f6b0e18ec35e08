package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"

	"ampproxy/internal/affinity"
	"ampproxy/internal/config"
	"ampproxy/internal/cooldown"
	"ampproxy/internal/credstore"
	"ampproxy/internal/provider"
	"ampproxy/internal/routing"
	"ampproxy/internal/stats"
)

// fakeAdapter replays a fixed sequence of responses, one per call, and
// records how many times each account was asked to forward a request.
type fakeAdapter struct {
	pool      string
	responses map[int][]*provider.Response
	calls     map[int]int
}

func newFakeAdapter(pool string) *fakeAdapter {
	return &fakeAdapter{pool: pool, responses: map[int][]*provider.Response{}, calls: map[int]int{}}
}

func (f *fakeAdapter) on(account int, resps ...*provider.Response) *fakeAdapter {
	f.responses[account] = resps
	return f
}

func (f *fakeAdapter) Name() string            { return f.pool }
func (f *fakeAdapter) IsAvailable(int) bool     { return true }
func (f *fakeAdapter) AccountCount() int        { return len(f.responses) }
func (f *fakeAdapter) Forward(req provider.Request) (*provider.Response, error) {
	i := f.calls[req.Account]
	f.calls[req.Account] = i + 1
	seq := f.responses[req.Account]
	if i >= len(seq) {
		return fakeResponse(200, nil), nil
	}
	return seq[i], nil
}

func fakeResponse(status int, headers map[string]string) *provider.Response {
	if headers == nil {
		headers = map[string]string{}
	}
	return &provider.Response{Status: status, Headers: headers, Body: io.NopCloser(bytes.NewReader(nil))}
}

func newTestPipeline(t *testing.T, adapter *fakeAdapter) (*Pipeline, *cooldown.Tracker) {
	t.Helper()
	t.Setenv("CREDSTORE_KEY", "test-passphrase-for-handler-tests")
	store, err := credstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open credstore: %v", err)
	}
	t.Cleanup(store.Close)

	for account := range adapter.responses {
		if err := store.Save(adapter.pool, account, credstore.Credentials{
			AccessToken: "at", RefreshToken: "rt", ExpiresAt: 9999999999999,
		}); err != nil {
			t.Fatalf("seed account %d: %v", account, err)
		}
	}

	cooldowns := cooldown.New()
	aff := affinity.New()
	router := routing.New(store, cooldowns, aff)
	registry := provider.NewRegistryWithAdapters(map[string]provider.Adapter{adapter.pool: adapter})
	statsRing := stats.New()
	p := New(config.Config{}, router, registry, cooldowns, statsRing)
	return p, cooldowns
}

// TestRunRetryReroute_CachePreserveFailureRecordsOnlyOnce guards against a
// regression where a 429 on the cache-preserve retry was recorded both
// directly and again by RerouteAfter429's own bookkeeping, double-counting
// a single failure as two toward the exhaustion threshold.
func TestRunRetryReroute_CachePreserveFailureRecordsOnlyOnce(t *testing.T) {
	adapter := newFakeAdapter("codex")
	adapter.on(0,
		fakeResponse(429, map[string]string{"retry-after": "1"}), // triggers cache-preserve wait
		fakeResponse(429, map[string]string{}),                   // cache-preserve retry also fails
	)
	adapter.on(1, fakeResponse(200, nil)) // reroute target succeeds

	p, cooldowns := newTestPipeline(t, adapter)
	req := provider.Request{Path: "/v1/chat/completions", Method: "POST", Account: 0}

	resp, pool, account, ok := p.runRetryReroute(context.Background(), "openai", "codex", 0, adapter, req, "")
	if !ok || resp.Status != 200 || pool != "codex" || account != 1 {
		t.Fatalf("expected successful reroute to codex:1, got ok=%v status=%v pool=%q account=%d", ok, resp, pool, account)
	}
	if adapter.calls[0] != 2 || adapter.calls[1] != 1 {
		t.Fatalf("expected 2 calls to account 0 and 1 call to account 1, got %v", adapter.calls)
	}

	// Exactly one real failure should have been recorded against codex:0 by
	// this flow. Feeding it two more 429s should be required to reach the
	// 3-strikes exhaustion threshold; a double-counted flow would already
	// be exhausted after just one more.
	cooldowns.Record429("codex", 0, 0)
	if cooldowns.IsExhausted("codex", 0) {
		t.Fatal("codex:0 should not be exhausted after only 2 total recorded failures")
	}
	cooldowns.Record429("codex", 0, 0)
	if !cooldowns.IsExhausted("codex", 0) {
		t.Fatal("codex:0 should be exhausted after 3 total recorded failures")
	}
}

func TestRunRetryReroute_SuccessOnFirstTry(t *testing.T) {
	adapter := newFakeAdapter("anthropic")
	adapter.on(0, fakeResponse(200, nil))

	p, cooldowns := newTestPipeline(t, adapter)
	req := provider.Request{Path: "/v1/messages", Method: "POST", Account: 0}

	resp, pool, account, ok := p.runRetryReroute(context.Background(), "anthropic", "anthropic", 0, adapter, req, "")
	if !ok || resp.Status != 200 || pool != "anthropic" || account != 0 {
		t.Fatalf("expected immediate success, got ok=%v status=%v", ok, resp)
	}
	if cooldowns.IsCoolingDown("anthropic", 0) {
		t.Fatal("a successful response should not leave a cooldown entry")
	}
}

func Test401AbortsWithoutLocalRetry(t *testing.T) {
	adapter := newFakeAdapter("anthropic")
	adapter.on(0, fakeResponse(401, nil))

	p, _ := newTestPipeline(t, adapter)
	req := provider.Request{Path: "/v1/messages", Method: "POST", Account: 0}

	_, _, _, ok := p.runRetryReroute(context.Background(), "anthropic", "anthropic", 0, adapter, req, "")
	if ok {
		t.Fatal("expected 401 to abort without a local retry")
	}
	if adapter.calls[0] != 1 {
		t.Fatalf("expected exactly 1 call on a 401, got %d", adapter.calls[0])
	}
}
