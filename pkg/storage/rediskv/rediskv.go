// Package rediskv implements storage.Store on redis. Multi-key commits run in MULTI/EXEC.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/automerge-relay/pkg/storage"
)

const (
	defaultPrefix = "relay:"
	scanCount     = 512
)

type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to redisURL and checks the connection.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewStoreWithClient(client, defaultPrefix), nil
}

// NewStoreWithClient creates a store from an existing client. Every key is namespaced under prefix.
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.KV, error) {
	keys, err := scanKeys(ctx, s.client.Scan(ctx, 0, escapeGlob(s.key(prefix))+"*", scanCount).Iterator())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}

	out := make([]storage.KV, 0, len(keys))
	for start := 0; start < len(keys); start += scanCount {
		end := min(start+scanCount, len(keys))
		values, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget %s: %w", prefix, err)
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			out = append(out, storage.KV{Key: strings.TrimPrefix(keys[start+i], s.prefix), Value: []byte(str)})
		}
	}
	storage.SortKVs(out)
	return out, nil
}

type keyIterator interface {
	Next(ctx context.Context) bool
	Val() string
	Err() error
}

// scanKeys drains a SCAN iterator. SCAN may return a key more than once while the keyspace is rehashed, so keys are
// deduplicated.
func scanKeys(ctx context.Context, iter keyIterator) ([]string, error) {
	var keys []string
	seen := make(map[string]struct{})
	for iter.Next(ctx) {
		key := iter.Val()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) Commit(ctx context.Context, batch *storage.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range batch.Ops() {
			if op.IsDelete() {
				pipe.Del(ctx, s.key(op.Key))
			} else {
				pipe.Set(ctx, s.key(op.Key), op.Value, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
