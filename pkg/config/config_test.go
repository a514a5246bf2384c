package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RELAY_ADDR", "STORE_URL", "MAX_FRAME_BYTES", "AWARENESS_TIMEOUT", "LOG_LEVEL", "ARCHIVE_SECURE", "CLUSTER_NODES"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, "localhost:8080", cfg.Addr)
	assert.Equal(t, "sqlite://relay.sqlite3", cfg.StoreURL)
	assert.Equal(t, 1<<20, cfg.MaxFrameBytes)
	assert.Equal(t, int64(128<<10), cfg.CompactionMaxBytes)
	assert.Equal(t, int64(128), cfg.CompactionMaxUpdateCount)
	assert.Equal(t, 30*time.Second, cfg.AwarenessTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, true, cfg.Archive.Secure)
	assert.Equal(t, false, cfg.Archive.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("MAX_FRAME_BYTES", "4096")
	t.Setenv("AWARENESS_TIMEOUT", "45")
	t.Setenv("WRITE_TIMEOUT", "1500ms")
	t.Setenv("PING_INTERVAL", "soon")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ARCHIVE_SECURE", "false")
	cfg := Load()
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 4096, cfg.MaxFrameBytes)
	assert.Equal(t, 45*time.Second, cfg.AwarenessTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, false, cfg.Archive.Secure)
}
