// Package config loads server settings from the environment and the provider
// table from a YAML file.
package config

import (
	"os"
	"strconv"
	"strings"
)

// DefaultStream is the emission mode used when the client omits "stream" and
// the provider declares no preference: aggregate into a single JSON body.
const DefaultStream = false

// ServerConfig holds process-level settings.
type ServerConfig struct {
	Host          string
	Port          int
	Verbose       bool
	Debug         bool
	AccessToken   string
	ProviderFile  string
	TelemetryFile string
}

// DefaultFromEnv creates a ServerConfig with defaults from environment variables.
func DefaultFromEnv() *ServerConfig {
	return &ServerConfig{
		Host:          envOrDefault("CCPROXY_HOST", "127.0.0.1"),
		Port:          envInt("CCPROXY_PORT", 8082),
		Verbose:       envBool("CCPROXY_VERBOSE"),
		Debug:         envBool("CCPROXY_DEBUG"),
		AccessToken:   strings.TrimSpace(os.Getenv("CCPROXY_ACCESS_TOKEN")),
		ProviderFile:  strings.TrimSpace(os.Getenv("CCPROXY_CONFIG")),
		TelemetryFile: strings.TrimSpace(os.Getenv("CCPROXY_TELEMETRY_FILE")),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
