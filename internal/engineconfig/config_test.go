package engineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aim-chat/inbox-engine/internal/transport"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inboxd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadFromPathMergesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
dataDir: /var/lib/inbox
network:
  backend: go-waku
  port: 61000
  bootstrapNodes:
    - /dns4/node.example.org/tcp/60000
backend:
  baseUrl: https://api.example.org
  requestTimeout: 5s
`)

	cfg := LoadFromPath(path)
	if cfg.DataDir != "/var/lib/inbox" {
		t.Fatalf("dataDir = %q", cfg.DataDir)
	}
	if cfg.Network.Backend != transport.BackendGoWaku || cfg.Network.Port != 61000 {
		t.Fatalf("network config not merged: %+v", cfg.Network)
	}
	if len(cfg.Network.BootstrapNodes) != 1 {
		t.Fatalf("bootstrap nodes = %v", cfg.Network.BootstrapNodes)
	}
	if cfg.Backend.BaseURL != "https://api.example.org" || cfg.Backend.RequestTimeout != 5*time.Second {
		t.Fatalf("backend config not merged: %+v", cfg.Backend)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Network.StoreQueryFanout != transport.DefaultConfig().StoreQueryFanout {
		t.Fatalf("fanout lost its default: %d", cfg.Network.StoreQueryFanout)
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	def := DefaultConfig()
	if cfg.DataDir != def.DataDir || cfg.Network.Backend != def.Network.Backend {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfigFile(t, `
dataDir: /from/file
network:
  backend: mock
`)
	t.Setenv("INBOX_DATA_DIR", "/from/env")
	t.Setenv("INBOX_NETWORK_BACKEND", "go-waku")
	t.Setenv("INBOX_BACKEND_URL", "http://env.example.org")

	cfg := LoadFromPath(path)
	if cfg.DataDir != "/from/env" {
		t.Fatalf("dataDir = %q", cfg.DataDir)
	}
	if cfg.Network.Backend != transport.BackendGoWaku {
		t.Fatalf("network backend = %q", cfg.Network.Backend)
	}
	if cfg.Backend.BaseURL != "http://env.example.org" {
		t.Fatalf("backend url = %q", cfg.Backend.BaseURL)
	}
}

func TestMalformedFileIsIgnored(t *testing.T) {
	path := writeConfigFile(t, "not: [valid")
	cfg := LoadFromPath(path)
	if cfg.DataDir != DefaultConfig().DataDir {
		t.Fatalf("malformed file must fall back to defaults: %+v", cfg)
	}
}

func TestNormalizeAppliesFloors(t *testing.T) {
	path := writeConfigFile(t, `
network:
  reconnectInterval: 10s
  reconnectBackoffMax: 2s
`)
	cfg := LoadFromPath(path)
	if cfg.Network.ReconnectBackoffMax < cfg.Network.ReconnectInterval {
		t.Fatalf("backoff max %v below interval %v", cfg.Network.ReconnectBackoffMax, cfg.Network.ReconnectInterval)
	}
}
