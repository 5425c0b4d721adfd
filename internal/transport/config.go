package transport

import (
	"fmt"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	BackendMock   = "mock"
	BackendGoWaku = "go-waku"
)

type Config struct {
	Backend             string        `yaml:"backend"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	HistoryLookback     time.Duration `yaml:"historyLookback"`
}

func DefaultConfig() Config {
	return Config{
		Backend:             BackendMock,
		Port:                60000,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		HistoryLookback:     24 * time.Hour,
	}
}

func NormalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = def.HistoryLookback
	}
	return cfg
}

// ValidateBootstrapNodes rejects entries that do not parse as
// multiaddrs; a misconfigured peer should fail at startup, not during
// the first redial.
func ValidateBootstrapNodes(nodes []string) error {
	for _, raw := range nodes {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid bootstrap node %q: %w", addr, err)
		}
	}
	return nil
}
