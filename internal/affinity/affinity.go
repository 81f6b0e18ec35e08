// Package affinity pins a logical conversation thread to a specific
// (pool,account) pair so follow-up requests land on the same upstream
// account, keeping a secondary active-count index for least-connections
// selection in the router.
package affinity

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const ttl = 2 * time.Hour

type pinKey struct {
	threadID       string
	clientProvider string
}

type pin struct {
	pool       string
	account    int
	assignedAt time.Time
}

func countKey(pool string, account int) string {
	return fmt.Sprintf("%s:%d", pool, account)
}

// Map is the thread-affinity table plus its active-count secondary index.
type Map struct {
	mu     sync.Mutex
	pins   map[pinKey]*pin
	counts map[string]uint

	stopCleanup chan struct{}
}

// New constructs an empty affinity Map.
func New() *Map {
	return &Map{
		pins:   make(map[pinKey]*pin),
		counts: make(map[string]uint),
	}
}

// Pinned is the externally visible shape of an affinity entry.
type Pinned struct {
	Pool    string
	Account int
}

// Get performs a read-and-touch lookup: an expired pin is evicted and
// reported absent; a live pin has its assignedAt bumped to now.
func (m *Map) Get(threadID, clientProvider string) (Pinned, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pinKey{threadID, clientProvider}
	p := m.pins[k]
	if p == nil {
		return Pinned{}, false
	}
	if time.Since(p.assignedAt) > ttl {
		m.clearLocked(k, p)
		return Pinned{}, false
	}
	p.assignedAt = time.Now()
	return Pinned{Pool: p.pool, Account: p.account}, true
}

// Peek is a read without touching assignedAt, used by tests to inspect
// state without resetting the TTL clock.
func (m *Map) Peek(threadID, clientProvider string) (Pinned, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pinKey{threadID, clientProvider}
	p := m.pins[k]
	if p == nil || time.Since(p.assignedAt) > ttl {
		return Pinned{}, false
	}
	return Pinned{Pool: p.pool, Account: p.account}, true
}

// Set upserts the pin for (threadID, clientProvider). If the pin moves to a
// different (pool,account), the old count is decremented and the new one
// incremented atomically with the primary map update.
func (m *Map) Set(threadID, clientProvider, pool string, account int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pinKey{threadID, clientProvider}
	if existing := m.pins[k]; existing != nil {
		if existing.pool == pool && existing.account == account {
			existing.assignedAt = time.Now()
			return
		}
		m.decrementLocked(countKey(existing.pool, existing.account))
	}
	m.pins[k] = &pin{pool: pool, account: account, assignedAt: time.Now()}
	m.counts[countKey(pool, account)]++
}

// Clear removes a pin, decrementing its active-count entry.
func (m *Map) Clear(threadID, clientProvider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pinKey{threadID, clientProvider}
	if p := m.pins[k]; p != nil {
		m.clearLocked(k, p)
	}
}

func (m *Map) clearLocked(k pinKey, p *pin) {
	delete(m.pins, k)
	m.decrementLocked(countKey(p.pool, p.account))
}

func (m *Map) decrementLocked(ck string) {
	if m.counts[ck] <= 1 {
		delete(m.counts, ck)
		return
	}
	m.counts[ck]--
}

// ActiveCount is an O(1) read of the secondary active-thread-count index.
func (m *Map) ActiveCount(pool string, account int) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[countKey(pool, account)]
}

// StartCleanup begins a 10-minute periodic sweep that evicts pins whose
// assignedAt has aged past the TTL, decrementing the count index to match.
// The returned function stops the sweep and must be called at shutdown.
func (m *Map) StartCleanup() (stop func()) {
	ticker := time.NewTicker(10 * time.Minute)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func (m *Map) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	evicted := 0
	for k, p := range m.pins {
		if now.Sub(p.assignedAt) > ttl {
			m.clearLocked(k, p)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[affinity] cleanup swept %d expired pin(s)", evicted)
	}
}
