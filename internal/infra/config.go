package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting for the feed service.
// Loaded from YAML, then overridden by environment variables so the
// user address never has to live in the config file.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Hyperliquid struct {
		WSURL       string   `yaml:"ws_url"`
		RestURL     string   `yaml:"rest_url"`
		UserAddress string   `yaml:"user_address"`
		Symbols     []string `yaml:"symbols"`
	} `yaml:"hyperliquid"`

	Feeds struct {
		UseWebSocket      bool `yaml:"use_websocket"`
		FallbackToREST    bool `yaml:"fallback_to_rest"`
		DepthLevels       int  `yaml:"depth_levels"`
		UpdateThrottleMS  int  `yaml:"update_throttle_ms"`
		ConnectTimeoutSec int  `yaml:"connect_timeout_sec"`
	} `yaml:"feeds"`

	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Defaults mirrored from the exchange's public endpoints and the feed
// contract (depth 20, throttle 100ms, connect wait 10s).
const (
	DefaultWSURL   = "wss://api.hyperliquid.xyz/ws"
	DefaultRestURL = "https://api.hyperliquid.xyz/info"

	defaultDepthLevels       = 20
	defaultUpdateThrottleMS  = 100
	defaultConnectTimeoutSec = 10
)

// LoadConfig reads and parses the config file, applies defaults and
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Hyperliquid.WSURL == "" {
		cfg.Hyperliquid.WSURL = DefaultWSURL
	}
	if cfg.Hyperliquid.RestURL == "" {
		cfg.Hyperliquid.RestURL = DefaultRestURL
	}
	if len(cfg.Hyperliquid.Symbols) == 0 {
		cfg.Hyperliquid.Symbols = []string{"BTC", "ETH", "SOL"}
	}
	if cfg.Feeds.DepthLevels <= 0 {
		cfg.Feeds.DepthLevels = defaultDepthLevels
	}
	if cfg.Feeds.UpdateThrottleMS <= 0 {
		cfg.Feeds.UpdateThrottleMS = defaultUpdateThrottleMS
	}
	if cfg.Feeds.ConnectTimeoutSec <= 0 {
		cfg.Feeds.ConnectTimeoutSec = defaultConnectTimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Hyperliquid.WSURL, "ws://") && !strings.HasPrefix(c.Hyperliquid.WSURL, "wss://") {
		return fmt.Errorf("invalid WebSocket URL: %s", c.Hyperliquid.WSURL)
	}
	if !strings.HasPrefix(c.Hyperliquid.RestURL, "http://") && !strings.HasPrefix(c.Hyperliquid.RestURL, "https://") {
		return fmt.Errorf("invalid REST URL: %s", c.Hyperliquid.RestURL)
	}
	if len(c.Hyperliquid.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal enabled but no path configured")
	}
	return nil
}

// overrideWithEnv applies environment variables on top of file values.
// Environment wins over the file so secrets stay out of version control.
func overrideWithEnv(cfg *Config) {
	if addr := os.Getenv("HYPERFEED_USER_ADDRESS"); addr != "" {
		cfg.Hyperliquid.UserAddress = addr
	}
	if url := os.Getenv("HYPERFEED_WS_URL"); url != "" {
		cfg.Hyperliquid.WSURL = url
	}
	if url := os.Getenv("HYPERFEED_REST_URL"); url != "" {
		cfg.Hyperliquid.RestURL = url
	}
}
