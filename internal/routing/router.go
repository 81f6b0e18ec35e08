// Package routing implements the account-selection algorithm: thread
// affinity first, then least-connections over the candidates that survive
// cooldown filtering.
package routing

import (
	"log"

	"ampproxy/internal/affinity"
	"ampproxy/internal/cooldown"
	"ampproxy/internal/credstore"
)

// poolsByClientProvider maps a client-facing provider name to the pools it
// fans out to. Kept as data, not control flow, so the Antigravity/Gemini
// ordering stays externally visible.
var poolsByClientProvider = map[string][]string{
	"anthropic": {"anthropic"},
	"openai":    {"codex"},
	"google":    {"gemini", "antigravity"},
}

// credProviderForPool maps a pool identity to the credential-store provider
// key that actually holds its OAuth credentials. Gemini and Antigravity are
// distinct quota pools but share one underlying Google credential, so both
// resolve to the "google" row instead of a same-named one.
var credProviderForPool = map[string]string{
	"anthropic":   "anthropic",
	"codex":       "codex",
	"gemini":      "google",
	"antigravity": "google",
}

// DecisionUpstream is the sentinel meaning "no local route; fall back to
// the paid upstream gateway."
const DecisionUpstream = "AMP_UPSTREAM"

// Candidate is one (pool,account) pair eligible for selection.
type Candidate struct {
	Pool    string
	Account int
}

// Result is the router's output for one request.
type Result struct {
	Decision string // DecisionUpstream, or a pool name on local routes
	Pool     string
	Account  int
	Handled  bool // false iff Decision == DecisionUpstream
}

// Router ties together the credential store, cooldown tracker and
// affinity map to make one routing decision per request.
type Router struct {
	creds     *credstore.Store
	cooldowns *cooldown.Tracker
	affinity  *affinity.Map
}

// New constructs a Router over the given shared components.
func New(creds *credstore.Store, cooldowns *cooldown.Tracker, aff *affinity.Map) *Router {
	return &Router{creds: creds, cooldowns: cooldowns, affinity: aff}
}

// Resolve tries the thread's existing pin first, else builds the candidate
// list, filters by cooldown, and picks the least-loaded candidate.
func (r *Router) Resolve(clientProvider, threadID string) (Result, error) {
	if threadID != "" {
		if pinned, ok := r.affinity.Get(threadID, clientProvider); ok {
			if !r.cooldowns.IsExhausted(pinned.Pool, pinned.Account) && r.poolAccountAvailable(pinned.Pool, pinned.Account) {
				if !r.cooldowns.IsCoolingDown(pinned.Pool, pinned.Account) {
					return Result{Decision: pinned.Pool, Pool: pinned.Pool, Account: pinned.Account, Handled: true}, nil
				}
				// in burst cooldown: fall through to candidate selection below
				// without clearing the pin, so a later request can still find
				// it once the burst cooldown expires
			} else {
				// exhausted or unavailable: break the pin and fall through to reselection
				r.affinity.Clear(threadID, clientProvider)
			}
		}
	}

	candidates, err := r.candidates(clientProvider)
	if err != nil {
		return Result{}, err
	}
	filtered := r.filterCooldown(candidates)
	if len(filtered) == 0 {
		log.Printf("[router] no available candidates for %s, falling back upstream", clientProvider)
		return Result{Decision: DecisionUpstream, Handled: false}, nil
	}

	chosen := r.leastConnections(filtered)
	if threadID != "" {
		r.affinity.Set(threadID, clientProvider, chosen.Pool, chosen.Account)
	}
	return Result{Decision: chosen.Pool, Pool: chosen.Pool, Account: chosen.Account, Handled: true}, nil
}

// RerouteAfter429 records the 429 on the failed pair, clears the pin if it
// just became exhausted, then reselects per the normal algorithm.
func (r *Router) RerouteAfter429(clientProvider, failedPool string, failedAccount int, retryAfterSec int, threadID string) (Result, error) {
	r.cooldowns.Record429(failedPool, failedAccount, retryAfterSec)
	if threadID != "" && r.cooldowns.IsExhausted(failedPool, failedAccount) {
		r.affinity.Clear(threadID, clientProvider)
	}

	candidates, err := r.candidates(clientProvider)
	if err != nil {
		return Result{}, err
	}
	filtered := r.filterCooldown(candidates)
	if len(filtered) == 0 {
		return Result{Decision: DecisionUpstream, Handled: false}, nil
	}

	chosen := r.leastConnections(filtered)
	if threadID != "" {
		r.affinity.Set(threadID, clientProvider, chosen.Pool, chosen.Account)
	}
	return Result{Decision: chosen.Pool, Pool: chosen.Pool, Account: chosen.Account, Handled: true}, nil
}

func (r *Router) candidates(clientProvider string) ([]Candidate, error) {
	pools, ok := poolsByClientProvider[clientProvider]
	if !ok {
		return nil, nil
	}
	var out []Candidate
	for _, pool := range pools {
		entries, err := r.creds.GetAll(credProviderForPool[pool])
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Credentials.RefreshToken == "" {
				continue
			}
			out = append(out, Candidate{Pool: pool, Account: e.Account})
		}
	}
	return out, nil
}

func (r *Router) filterCooldown(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if !r.cooldowns.IsCoolingDown(c.Pool, c.Account) {
			out = append(out, c)
		}
	}
	return out
}

// leastConnections picks the candidate with the smallest active-thread
// count, ties broken by candidate-list order (i.e. pool registry order,
// then ascending account).
func (r *Router) leastConnections(candidates []Candidate) Candidate {
	best := candidates[0]
	bestCount := r.affinity.ActiveCount(best.Pool, best.Account)
	for _, c := range candidates[1:] {
		count := r.affinity.ActiveCount(c.Pool, c.Account)
		if count < bestCount {
			best, bestCount = c, count
		}
	}
	return best
}

// poolAccountAvailable re-checks that the pinned credential still has a
// refresh token (the affinity pin can outlive credential removal).
func (r *Router) poolAccountAvailable(pool string, account int) bool {
	creds, err := r.creds.Get(credProviderForPool[pool], account)
	if err != nil || creds == nil {
		return false
	}
	return creds.RefreshToken != ""
}
