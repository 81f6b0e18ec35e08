package provider

import "ampproxy/internal/oauth"

// Registry maps a pool name to its adapter over the fixed four-pool set
// this proxy routes across.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the fixed anthropic/codex/gemini/antigravity adapter
// set over one shared OAuth engine.
func NewRegistry(engine *oauth.Engine) *Registry {
	anthropicAdapter := NewAnthropicAdapter(engine)
	codexAdapter := NewCodexAdapter(engine)
	geminiAdapter := NewGeminiAdapter(engine)
	antigravityAdapter := NewAntigravityAdapter(engine)
	return &Registry{adapters: map[string]Adapter{
		anthropicAdapter.Name():   anthropicAdapter,
		codexAdapter.Name():       codexAdapter,
		geminiAdapter.Name():      geminiAdapter,
		antigravityAdapter.Name(): antigravityAdapter,
	}}
}

// Get returns the adapter for a pool name, or nil if the pool is unknown.
func (r *Registry) Get(pool string) Adapter {
	return r.adapters[pool]
}

// NewRegistryWithAdapters builds a Registry over an arbitrary pool->adapter
// map, for tests that need to substitute fakes for the real network-backed
// adapters NewRegistry wires up.
func NewRegistryWithAdapters(adapters map[string]Adapter) *Registry {
	return &Registry{adapters: adapters}
}
