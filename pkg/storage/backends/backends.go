// Package backends opens a storage.Store from a url. The scheme selects the backend.
package backends

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/astromechza/automerge-relay/pkg/storage"
	"github.com/astromechza/automerge-relay/pkg/storage/boltkv"
	"github.com/astromechza/automerge-relay/pkg/storage/rediskv"
	"github.com/astromechza/automerge-relay/pkg/storage/sqlkv"
)

// Open understands memory://, sqlite://path, bolt://path, redis://... and postgres://...
func Open(ctx context.Context, rawURL string) (storage.Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return storage.NewMemory(), nil
	case "sqlite", "sqlite3":
		return opened(sqlkv.Open(ctx, sqlkv.SQLite, filePath(rawURL, u.Scheme)))
	case "postgres", "postgresql":
		return opened(sqlkv.Open(ctx, sqlkv.Postgres, rawURL))
	case "bolt", "bbolt":
		return opened(boltkv.Open(filePath(rawURL, u.Scheme)))
	case "redis", "rediss":
		return opened(rediskv.NewStore(rawURL))
	default:
		return nil, fmt.Errorf("unsupported store url scheme %q", u.Scheme)
	}
}

// opened keeps a failed open from returning a non-nil interface holding a nil store.
func opened[S storage.Store](s S, err error) (storage.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// filePath keeps relative paths relative: sqlite://relay.sqlite3 is relay.sqlite3 and sqlite:///tmp/x is /tmp/x.
func filePath(rawURL, scheme string) string {
	return strings.TrimPrefix(rawURL, scheme+"://")
}
