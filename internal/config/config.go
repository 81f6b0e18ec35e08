// Package config loads the proxy's runtime configuration from environment
// variables, generalizing the getEnvDefault pattern into a single typed
// struct read once at startup.
package config

import (
	"os"
)

// Config is the immutable set of settings consumed by the request pipeline
// and the background tasks. It is constructed once in main and passed down
// as an explicit dependency.
type Config struct {
	Port            string
	DataDir         string
	UpstreamBaseURL string
	UpstreamAPIKey  string
	EnableAnthropic bool
	EnableCodex     bool
	EnableGoogle    bool
}

// Load reads Config from the environment, applying the same defaults the
// proxy has always shipped with.
func Load() Config {
	return Config{
		Port:            getEnvDefault("PROXY_PORT", "7997"),
		DataDir:         getEnvDefault("DATA_DIR", "./data"),
		UpstreamBaseURL: getEnvDefault("UPSTREAM_BASE_URL", "https://ampcode.com"),
		UpstreamAPIKey:  os.Getenv("UPSTREAM_API_KEY"),
		EnableAnthropic: getEnvBool("ENABLE_ANTHROPIC", true),
		EnableCodex:     getEnvBool("ENABLE_CODEX", true),
		EnableGoogle:    getEnvBool("ENABLE_GOOGLE", true),
	}
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "TRUE"
}
