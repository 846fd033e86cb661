package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Relay.Addr)
	assert.Equal(t, 20, cfg.Relay.RateLimitPerSec)
	assert.Equal(t, 24*time.Hour, cfg.Relay.MessageTTL.Std())
	assert.Equal(t, int64(25*1024*1024), cfg.Relay.MaxAttachmentBytes)
	assert.Equal(t, 4, cfg.Client.DecryptWorkers)
	assert.Equal(t, 500, cfg.Store.SegmentSize)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[relay]
addr = ":9999"
rate_limit_per_sec = 5
message_ttl = "1h"

[client]
poll_interval = "500ms"

[store]
segment_size = 100
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Relay.Addr)
	assert.Equal(t, 5, cfg.Relay.RateLimitPerSec)
	assert.Equal(t, time.Hour, cfg.Relay.MessageTTL.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Client.PollInterval.Std())
	assert.Equal(t, 100, cfg.Store.SegmentSize)

	// Unspecified fields keep their defaults.
	assert.Equal(t, int64(25*1024*1024), cfg.Relay.MaxAttachmentBytes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[relay]
rate_limit_per_sec = 5
`), 0o600))

	t.Setenv("VEIL_RATE_LIMIT_PER_SEC", "50")
	t.Setenv("VEIL_MESSAGE_TTL", "2h")
	t.Setenv("VEIL_REDIS_URL", "redis://localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Relay.RateLimitPerSec)
	assert.Equal(t, 2*time.Hour, cfg.Relay.MessageTTL.Std())
	assert.Equal(t, "redis://localhost:6379", cfg.Relay.RedisURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[relay]
rate_limit_per_sec = -1
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "veil.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[relay]
rate_limit_per_sec = 10
`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go Watch(ctx, path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`
[relay]
rate_limit_per_sec = 99
`), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 99, cfg.Relay.RateLimitPerSec)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
