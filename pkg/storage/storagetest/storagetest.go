// Package storagetest is the behaviour every storage.Store backend has to share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/automerge-relay/pkg/storage"
)

// Run exercises a fresh store returned by open. The store is closed by Run.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("put get delete", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Put(ctx, "a", []byte("1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(ctx, "a", []byte("2")); err != nil {
			t.Fatalf("Put overwrite failed: %v", err)
		}
		v, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		assert.Equal(t, "2", string(v))

		if err := s.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete of missing key failed: %v", err)
		}
	})

	t.Run("list by prefix", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		batch := new(storage.Batch)
		for i := 12; i >= 0; i-- {
			batch.Put(fmt.Sprintf("doc/a/update/%020d", i), []byte{byte(i)})
		}
		batch.Put("doc/a/meta", []byte("m"))
		batch.Put("doc/ab/update/00000000000000000001", []byte("other"))
		if err := s.Commit(ctx, batch); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		kvs, err := s.List(ctx, "doc/a/update/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		assert.Equal(t, 13, len(kvs))
		for i, kv := range kvs {
			assert.Equal(t, fmt.Sprintf("doc/a/update/%020d", i), kv.Key)
			assert.Equal(t, []byte{byte(i)}, kv.Value)
		}

		kvs, err = s.List(ctx, "doc/nothing/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		assert.Equal(t, 0, len(kvs))
	})

	t.Run("commit applies puts and deletes", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Commit(ctx, new(storage.Batch).Put("x", []byte("1")).Put("y", []byte("1"))); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if err := s.Commit(ctx, new(storage.Batch).Delete("x").Put("y", []byte("2")).Put("z", []byte("3"))); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if _, err := s.Get(ctx, "x"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected x deleted, got %v", err)
		}
		kvs, err := s.List(ctx, "")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		assert.Equal(t, []storage.KV{{Key: "y", Value: []byte("2")}, {Key: "z", Value: []byte("3")}}, kvs)
	})

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})
}
