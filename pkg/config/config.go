package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Relay backend identifiers. Selection happens once, at construction; there
// is no runtime switching.
const (
	BackendFS   = "fs"
	BackendNATS = "nats"
)

type Config struct {
	User     string         `env:"PICOPOST_USER"  json:"user"`
	Label    string         `env:"PICOPOST_LABEL" json:"label,omitempty"`
	Relay    RelayConfig    `json:"relay"`
	Presence PresenceConfig `json:"presence"`
}

type RelayConfig struct {
	Backend   string     `env:"PICOPOST_RELAY_BACKEND"   json:"backend"`
	Root      string     `env:"PICOPOST_RELAY_ROOT"      json:"root"`
	Namespace string     `env:"PICOPOST_RELAY_NAMESPACE" json:"namespace,omitempty"`
	NATS      NATSConfig `json:"nats"`
}

type NATSConfig struct {
	URL   string `env:"PICOPOST_NATS_URL"   json:"url"`
	Token string `env:"PICOPOST_NATS_TOKEN" json:"token,omitempty"`
}

type PresenceConfig struct {
	SessionTTLMinutes        int `env:"PICOPOST_PRESENCE_SESSION_TTL_MINUTES" json:"session_ttl_minutes"`
	HeartbeatIntervalSeconds int `env:"PICOPOST_PRESENCE_HEARTBEAT_SECONDS"   json:"heartbeat_interval_seconds"`
	ReapIntervalSeconds      int `env:"PICOPOST_PRESENCE_REAP_SECONDS"        json:"reap_interval_seconds"`
	StatusIntervalSeconds    int `env:"PICOPOST_PRESENCE_STATUS_SECONDS"      json:"status_interval_seconds"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		User: os.Getenv("USER"),
		Relay: RelayConfig{
			Backend: BackendFS,
			Root:    "~/.picopost/relay",
			NATS: NATSConfig{
				URL: "nats://127.0.0.1:4222",
			},
		},
		Presence: PresenceConfig{
			SessionTTLMinutes:        10,
			HeartbeatIntervalSeconds: 60,
			ReapIntervalSeconds:      30,
			StatusIntervalSeconds:    15,
		},
	}
}

// LoadConfig reads the JSON config file (if present) and applies PICOPOST_*
// environment overrides on top. A missing file is not an error; defaults
// apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	switch c.Relay.Backend {
	case "", BackendFS, BackendNATS:
	default:
		return fmt.Errorf("relay.backend must be %q or %q, got %q", BackendFS, BackendNATS, c.Relay.Backend)
	}
	if c.Presence.SessionTTLMinutes <= 0 {
		return fmt.Errorf("presence.session_ttl_minutes must be positive")
	}
	// The namespace is spliced into broker subjects and bucket names, so it
	// obeys the same character rules as address components.
	if ns := c.Relay.Namespace; ns != "" {
		if strings.ContainsAny(ns, `.*>/\`) || strings.ContainsAny(ns, " \t\n") {
			return fmt.Errorf("relay.namespace %q contains reserved routing characters", ns)
		}
	}
	return nil
}

// RootPath returns the relay root directory with ~ expanded.
func (c *Config) RootPath() string {
	return expandHome(c.Relay.Root)
}

// SentinelDir is the shared directory scanned by the reaper for pending
// session removals.
func (c *Config) SentinelDir() string {
	return filepath.Join(c.RootPath(), "sentinels")
}

// StatuslinePath is the unread-count projection file read by the status-bar
// collaborator.
func (c *Config) StatuslinePath() string {
	return filepath.Join(c.RootPath(), "statusline.json")
}

// Namespace returns the deployment namespace used to scope broker subjects
// and bucket names. An explicit namespace wins; otherwise one is derived
// deterministically from the relay root path, so deployments sharing a
// broker cannot collide.
func (c *Config) Namespace() string {
	if c.Relay.Namespace != "" {
		return c.Relay.Namespace
	}
	h := fnv.New64a()
	h.Write([]byte(c.RootPath()))
	return fmt.Sprintf("%08x", h.Sum64())[:8]
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Presence.SessionTTLMinutes) * time.Minute
}

// FreshnessWindow is the filesystem-backend equivalent of the broker-side
// session TTL: records last active longer ago than this are treated as
// absent.
func (c *Config) FreshnessWindow() time.Duration {
	return c.SessionTTL()
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Presence.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Presence.ReapIntervalSeconds) * time.Second
}

func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Presence.StatusIntervalSeconds) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
