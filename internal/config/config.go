// Package config defines all configuration for the options-flow
// aggregation service. Config is loaded from a YAML file with sensitive
// fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Vendor   VendorConfig   `mapstructure:"vendor"`
	Ingestor IngestorConfig `mapstructure:"ingestor"`
	Store    StoreConfig    `mapstructure:"store"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WS bind settings and CORS origin.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Env         string `mapstructure:"env"` // "development" or "production"
	FrontendURL string `mapstructure:"frontend_url"`
}

// AllowedOrigins returns the CORS allowlist derived from FrontendURL. An
// empty list means "localhost only in development, same-host otherwise" —
// see api.isOriginAllowed.
func (s ServerConfig) AllowedOrigins() []string {
	if s.FrontendURL == "" {
		return nil
	}
	return []string{s.FrontendURL}
}

// IsDevelopment reports whether Env is unset or "development".
func (s ServerConfig) IsDevelopment() bool {
	return s.Env == "" || s.Env == "development"
}

// VendorConfig holds the upstream Polygon/Massive-compatible API settings.
// PolygonAPIKey is primary; MassiveAPIKey is the fallback credential.
type VendorConfig struct {
	PolygonAPIKey string `mapstructure:"polygon_api_key"`
	MassiveAPIKey string `mapstructure:"massive_api_key"`
	BaseURL       string `mapstructure:"base_url"`
	WSURL         string `mapstructure:"ws_url"`
}

// APIKey returns the configured API key, preferring Polygon's over Massive's.
func (v VendorConfig) APIKey() string {
	if v.PolygonAPIKey != "" {
		return v.PolygonAPIKey
	}
	return v.MassiveAPIKey
}

// IngestorConfig tunes the WS session and REST backfill cadence.
type IngestorConfig struct {
	HotTickers          []string `mapstructure:"hot_tickers"`
	BackfillIntervalSec int      `mapstructure:"backfill_interval_sec"`
	WarmupSec           int      `mapstructure:"warmup_sec"`
}

// StoreConfig bounds the in-memory trade store.
type StoreConfig struct {
	MaxSize   int `mapstructure:"max_size"`
	MaxAgeSec int `mapstructure:"max_age_sec"`
}

// ScannerConfig bounds the live-scanner watchlist.
type ScannerConfig struct {
	Watchlist []string `mapstructure:"watchlist"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive/ambient fields use env vars: PORT, NODE_ENV, FRONTEND_URL,
// POLYGON_API_KEY, MASSIVE_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &cfg.Server.Port)
	}
	if env := os.Getenv("NODE_ENV"); env != "" {
		cfg.Server.Env = env
	}
	if url := os.Getenv("FRONTEND_URL"); url != "" {
		cfg.Server.FrontendURL = url
	}
	if key := os.Getenv("POLYGON_API_KEY"); key != "" {
		cfg.Vendor.PolygonAPIKey = key
	}
	if key := os.Getenv("MASSIVE_API_KEY"); key != "" {
		cfg.Vendor.MassiveAPIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.env", "development")
	v.SetDefault("vendor.base_url", "https://api.massive.com")
	v.SetDefault("vendor.ws_url", "wss://socket.polygon.io/options")
	v.SetDefault("ingestor.backfill_interval_sec", 10)
	v.SetDefault("ingestor.warmup_sec", 2)
	v.SetDefault("store.max_size", 100000)
	v.SetDefault("store.max_age_sec", 120)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1,65535]")
	}
	if c.Vendor.APIKey() == "" && c.Server.Env != "test" {
		return fmt.Errorf("one of POLYGON_API_KEY or MASSIVE_API_KEY is required")
	}
	if len(c.Ingestor.HotTickers) == 0 {
		return fmt.Errorf("ingestor.hot_tickers must not be empty")
	}
	if c.Store.MaxSize <= 0 {
		return fmt.Errorf("store.max_size must be > 0")
	}
	if len(c.Scanner.Watchlist) > 10 {
		return fmt.Errorf("scanner.watchlist supports at most 10 tickers")
	}
	return nil
}

// BackfillInterval returns the configured backfill cadence as a duration.
func (c IngestorConfig) BackfillInterval() time.Duration {
	return time.Duration(c.BackfillIntervalSec) * time.Second
}

// Warmup returns the configured warm-up delay as a duration.
func (c IngestorConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupSec) * time.Second
}

// MaxAge returns the store's eviction age as a duration.
func (c StoreConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSec) * time.Second
}
