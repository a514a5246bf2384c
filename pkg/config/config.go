// Package config reads the relay settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/astromechza/automerge-relay/pkg/archive"
)

type Config struct {
	Addr     string
	StoreURL string
	LogLevel slog.Level

	MaxFrameBytes            int
	CompactionMaxBytes       int64
	CompactionMaxUpdateCount int64
	AwarenessTimeout         time.Duration
	SendQueueSize            int
	WriteTimeout             time.Duration
	PingInterval             time.Duration
	IdleRetryInterval        time.Duration

	// Cluster placement, empty ClusterNodes means this node owns every document.
	NodeName     string
	ClusterNodes string

	Archive archive.Config
}

func Load() Config {
	hostname, _ := os.Hostname()
	return Config{
		Addr:     getenv("RELAY_ADDR", "localhost:8080"),
		StoreURL: getenv("STORE_URL", "sqlite://relay.sqlite3"),
		LogLevel: getenvLevel("LOG_LEVEL", slog.LevelInfo),

		MaxFrameBytes:            getenvInt("MAX_FRAME_BYTES", 1<<20),
		CompactionMaxBytes:       int64(getenvInt("COMPACTION_MAX_BYTES", 128<<10)),
		CompactionMaxUpdateCount: int64(getenvInt("COMPACTION_MAX_UPDATE_COUNT", 128)),
		AwarenessTimeout:         getenvDuration("AWARENESS_TIMEOUT", 30*time.Second),
		SendQueueSize:            getenvInt("SEND_QUEUE_SIZE", 64),
		WriteTimeout:             getenvDuration("WRITE_TIMEOUT", 10*time.Second),
		PingInterval:             getenvDuration("PING_INTERVAL", 30*time.Second),
		IdleRetryInterval:        getenvDuration("IDLE_RETRY_INTERVAL", 30*time.Second),

		NodeName:     getenv("NODE_NAME", hostname),
		ClusterNodes: getenv("CLUSTER_NODES", ""),

		Archive: archive.Config{
			Endpoint:  getenv("ARCHIVE_ENDPOINT", ""),
			Bucket:    getenv("ARCHIVE_BUCKET", ""),
			AccessKey: getenv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getenv("ARCHIVE_SECRET_KEY", ""),
			Secure:    getenvBool("ARCHIVE_SECURE", true),
		},
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("30s") or a bare number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvLevel(key string, fallback slog.Level) slog.Level {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return level
}
