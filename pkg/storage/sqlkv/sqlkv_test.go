package sqlkv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/astromechza/automerge-relay/pkg/storage"
	"github.com/astromechza/automerge-relay/pkg/storage/storagetest"
)

func TestSQLite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "kv.sqlite3"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return s
	})
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.sqlite3")
	s, err := Open(ctx, SQLite, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(ctx, SQLite, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer s.Close()
	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("expected v, got %q", v)
	}
}

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("RELAY_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_URL not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), Postgres, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		if _, err := s.db.ExecContext(context.Background(), `TRUNCATE kv`); err != nil {
			t.Fatalf("truncate kv: %v", err)
		}
		return s
	})
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: ""},
		{prefix: "doc/a/", want: "doc/a0"},
		{prefix: "a\xff", want: "b"},
		{prefix: "\xff\xff", want: ""},
	}
	for _, tc := range cases {
		if got := prefixEnd(tc.prefix); got != tc.want {
			t.Fatalf("prefixEnd(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}
