// Package boltkv implements storage.Store on a single bbolt bucket.
package boltkv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/astromechza/automerge-relay/pkg/storage"
)

var bucket = []byte("kv")

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		// bolt values are only valid for the life of the transaction
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Commit(ctx, new(storage.Batch).Put(key, value))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Commit(ctx, new(storage.Batch).Delete(key))
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.KV
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out = append(out, storage.KV{Key: string(k), Value: bytes.Clone(v)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (s *Store) Commit(ctx context.Context, batch *storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for _, op := range batch.Ops() {
			var err error
			if op.IsDelete() {
				err = b.Delete([]byte(op.Key))
			} else {
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				err = b.Put([]byte(op.Key), value)
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", op.Key, err)
			}
		}
		return nil
	})
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucket) == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
