// Package sqlkv implements storage.Store on a single key/value table through database/sql. The same code serves
// sqlite (mattn/go-sqlite3) and postgres (pgx stdlib driver); only the schema differs between them.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-relay/pkg/storage"
)

type Dialect struct {
	Name       string
	Driver     string
	Migrations []string
	// MaxOpenConns of 1 serializes writers, which sqlite needs to avoid SQLITE_BUSY.
	MaxOpenConns int
}

var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite3",
	Migrations: []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT NOT NULL PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	},
	MaxOpenConns: 1,
}

var Postgres = Dialect{
	Name:   "postgres",
	Driver: "pgx",
	Migrations: []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT COLLATE "C" NOT NULL PRIMARY KEY,
			value BYTEA NOT NULL
		)`,
	},
	MaxOpenConns: 20,
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(dialect.MaxOpenConns)
	db.SetMaxIdleConns(dialect.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for i, stmt := range s.dialect.Migrations {
		version := fmt.Sprintf("%04d", i+1)
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		} else if exists {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Commit(ctx, new(storage.Batch).Put(key, value))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Commit(ctx, new(storage.Batch).Delete(key))
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.KV, error) {
	var rows *sql.Rows
	var err error
	if end := prefixEnd(prefix); end != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= $1 AND key < $2 ORDER BY key`, prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key >= $1 ORDER BY key`, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []storage.KV
	for rows.Next() {
		var kv storage.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		if strings.HasPrefix(kv.Key, prefix) {
			out = append(out, kv)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	storage.SortKVs(out)
	return out, nil
}

func (s *Store) Commit(ctx context.Context, batch *storage.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, op := range batch.Ops() {
		if op.IsDelete() {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, op.Key)
		} else {
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
				op.Key, value)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write %s: %w", op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// prefixEnd returns the smallest key greater than every key starting with prefix, or "" when there is none.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
