// Package engineconfig loads the daemon configuration: defaults, then
// an optional YAML file, then environment overrides.
package engineconfig

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"aim-chat/inbox-engine/internal/backend"
	"aim-chat/inbox-engine/internal/transport"
)

type Config struct {
	DataDir string           `yaml:"dataDir"`
	Network transport.Config `yaml:"network"`
	Backend backend.Config   `yaml:"backend"`
}

func DefaultConfig() Config {
	return Config{
		DataDir: "data",
		Network: transport.DefaultConfig(),
		Backend: backend.DefaultConfig(),
	}
}

func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/inboxd.yaml", "inboxd.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		merged.Network = transport.NormalizeConfig(merged.Network)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	cfg.Network = transport.NormalizeConfig(cfg.Network)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Network.Backend != "" {
		dst.Network.Backend = src.Network.Backend
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.MinPeers != 0 {
		dst.Network.MinPeers = src.Network.MinPeers
	}
	if src.Network.StoreQueryFanout != 0 {
		dst.Network.StoreQueryFanout = src.Network.StoreQueryFanout
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}
	if src.Network.HistoryLookback != 0 {
		dst.Network.HistoryLookback = src.Network.HistoryLookback
	}
	if src.Backend.BaseURL != "" {
		dst.Backend.BaseURL = src.Backend.BaseURL
	}
	if src.Backend.RequestTimeout != 0 {
		dst.Backend.RequestTimeout = src.Backend.RequestTimeout
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if backendName := strings.TrimSpace(os.Getenv("INBOX_NETWORK_BACKEND")); backendName != "" {
		cfg.Network.Backend = backendName
	}
	if dataDir := strings.TrimSpace(os.Getenv("INBOX_DATA_DIR")); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if baseURL := strings.TrimSpace(os.Getenv("INBOX_BACKEND_URL")); baseURL != "" {
		cfg.Backend.BaseURL = baseURL
	}
}
