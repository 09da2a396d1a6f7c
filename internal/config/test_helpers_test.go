package config

import (
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./storage",
			CacheTTL:        Duration(24 * time.Hour),
			UpstreamTimeout: Duration(30 * time.Second),
			Writers: WritersConfig{
				ReadBufferSize:     32 * 1024,
				DefaultPriority:    "normal",
				MaxRestartAttempts: 1,
			},
		},
		Origins: []OriginConfig{
			{Name: "assets", Domain: "assets.example.com", Upstream: "https://origin.example.com"},
		},
	}
}
