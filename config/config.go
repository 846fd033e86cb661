// Package config loads the relay and client configuration from a TOML file
// with VEIL_* environment overrides, and supports hot reload of the tunables
// that are safe to change at runtime (rate limit, message TTL, attachment
// ceiling).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can write "30s" or "24h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Addr               string   `toml:"addr"`
	RateLimitPerSec    int      `toml:"rate_limit_per_sec"`
	MessageTTL         Duration `toml:"message_ttl"`
	MaxAttachmentBytes int64    `toml:"max_attachment_bytes"`
	AttachmentDir      string   `toml:"attachment_dir"`
	RedisURL           string   `toml:"redis_url"`
	PostgresURL        string   `toml:"postgres_url"`
}

// ClientConfig configures the delivery pipeline.
type ClientConfig struct {
	RelayURL       string   `toml:"relay_url"`
	PollInterval   Duration `toml:"poll_interval"`
	OutboxInterval Duration `toml:"outbox_interval"`
	DecryptWorkers int      `toml:"decrypt_workers"`
}

// StoreConfig configures the local encrypted store.
type StoreConfig struct {
	Dir         string `toml:"dir"`
	SegmentSize int    `toml:"segment_size"`
}

// Config is the top-level configuration document.
type Config struct {
	Relay  RelayConfig  `toml:"relay"`
	Client ClientConfig `toml:"client"`
	Store  StoreConfig  `toml:"store"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Addr:               ":8090",
			RateLimitPerSec:    20,
			MessageTTL:         Duration(24 * time.Hour),
			MaxAttachmentBytes: 25 * 1024 * 1024,
			AttachmentDir:      "attachments",
		},
		Client: ClientConfig{
			PollInterval:   Duration(2 * time.Second),
			OutboxInterval: Duration(5 * time.Second),
			DecryptWorkers: 4,
		},
		Store: StoreConfig{
			Dir:         "veil-store",
			SegmentSize: 500,
		},
	}
}

// Load reads a TOML file (optional, empty path skips it) and applies VEIL_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Relay.RateLimitPerSec <= 0 {
		return fmt.Errorf("rate_limit_per_sec must be positive")
	}
	if c.Relay.MessageTTL <= 0 {
		return fmt.Errorf("message_ttl must be positive")
	}
	if c.Relay.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("max_attachment_bytes must be positive")
	}
	if c.Client.DecryptWorkers <= 0 {
		return fmt.Errorf("decrypt_workers must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Relay.Addr, "VEIL_RELAY_ADDR")
	setInt(&cfg.Relay.RateLimitPerSec, "VEIL_RATE_LIMIT_PER_SEC")
	setDuration(&cfg.Relay.MessageTTL, "VEIL_MESSAGE_TTL")
	setInt64(&cfg.Relay.MaxAttachmentBytes, "VEIL_MAX_ATTACHMENT_BYTES")
	setString(&cfg.Relay.AttachmentDir, "VEIL_ATTACHMENT_DIR")
	setString(&cfg.Relay.RedisURL, "VEIL_REDIS_URL")
	setString(&cfg.Relay.PostgresURL, "VEIL_POSTGRES_URL")

	setString(&cfg.Client.RelayURL, "VEIL_RELAY_URL")
	setDuration(&cfg.Client.PollInterval, "VEIL_POLL_INTERVAL")
	setDuration(&cfg.Client.OutboxInterval, "VEIL_OUTBOX_INTERVAL")
	setInt(&cfg.Client.DecryptWorkers, "VEIL_DECRYPT_WORKERS")

	setString(&cfg.Store.Dir, "VEIL_STORE_DIR")
	setInt(&cfg.Store.SegmentSize, "VEIL_SEGMENT_SIZE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = Duration(parsed)
		}
	}
}
