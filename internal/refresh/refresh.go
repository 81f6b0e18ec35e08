// Package refresh runs the background token-refresh sweep: a ticker-driven
// pass over every stored account of every provider, refreshing any whose
// expiry falls within the configured margin.
package refresh

import (
	"log"
	"time"

	"ampproxy/internal/credstore"
	"ampproxy/internal/oauth"
)

const (
	sweepInterval = 60 * time.Second
	refreshWindow = 5 * time.Minute
)

// Sweeper periodically refreshes any credential nearing expiry so that a
// request never blocks on a synchronous refresh.
type Sweeper struct {
	store   *credstore.Store
	engine  *oauth.Engine
	configs []oauth.ProviderConfig
}

// New constructs a Sweeper over the given store/engine for the given set of
// provider configs (one per credential-store provider key: anthropic,
// codex, google).
func New(store *credstore.Store, engine *oauth.Engine, configs []oauth.ProviderConfig) *Sweeper {
	return &Sweeper{store: store, engine: engine, configs: configs}
}

// Start begins the 60s sweep. The returned function stops it; callers must
// invoke it at shutdown.
func (s *Sweeper) Start() (stop func()) {
	ticker := time.NewTicker(sweepInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweepOnce()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// sweepOnce walks every stored account of every configured provider and
// refreshes any credential within refreshWindow of expiry. A failure on one
// account is logged and swallowed so the sweep never aborts on a single bad
// account.
func (s *Sweeper) sweepOnce() {
	nowMs := time.Now().UnixMilli()
	for _, cfg := range s.configs {
		entries, err := s.store.GetAll(cfg.Name)
		if err != nil {
			log.Printf("[auth] refresh sweep: list %s accounts: %v", cfg.Name, err)
			continue
		}
		for _, e := range entries {
			if e.Credentials.RefreshToken == "" {
				continue
			}
			if e.Credentials.ExpiresAt-nowMs > refreshWindow.Milliseconds() {
				continue
			}
			if _, err := s.engine.Token(cfg, e.Account); err != nil {
				log.Printf("[auth] refresh sweep: %s account %d: %v", cfg.Name, e.Account, err)
			}
		}
	}
}
