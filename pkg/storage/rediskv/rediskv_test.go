package rediskv

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"

	"github.com/astromechza/automerge-relay/pkg/storage"
	"github.com/astromechza/automerge-relay/pkg/storage/storagetest"
)

func TestRedis(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := miniredis.RunT(t)
		store, err := NewStore("redis://" + s.Addr())
		if err != nil {
			t.Fatalf("failed to create redis store: %v", err)
		}
		return store
	})
}

func TestKeysAreNamespaced(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	a := NewStoreWithClient(client, "a:")
	b := NewStoreWithClient(client, "b:")
	defer a.Close()

	ctx := context.Background()
	if err := a.Put(ctx, "doc/x/meta", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Put(ctx, "doc/x/meta", []byte("b")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got, err := s.Get("a:doc/x/meta"); err != nil || got != "a" {
		t.Fatalf("raw key a:doc/x/meta = %q, %v", got, err)
	}

	kvs, err := b.List(ctx, "doc/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(kvs) != 1 || kvs[0].Key != "doc/x/meta" || string(kvs[0].Value) != "b" {
		t.Fatalf("unexpected list result: %+v", kvs)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob(`doc/[a]*?\`); got != `doc/\[a\]\*\?\\` {
		t.Fatalf("escapeGlob = %q", got)
	}
}

type sliceIterator struct {
	keys []string
	pos  int
	err  error
}

func (it *sliceIterator) Next(context.Context) bool {
	if it.pos >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Val() string {
	return it.keys[it.pos-1]
}

func (it *sliceIterator) Err() error {
	return it.err
}

func TestScanKeysDropsRepeats(t *testing.T) {
	keys, err := scanKeys(context.Background(), &sliceIterator{keys: []string{"doc/a/meta", "doc/a/update/1", "doc/a/meta", "doc/a/update/1"}})
	if err != nil {
		t.Fatalf("scanKeys failed: %v", err)
	}
	assert.Equal(t, []string{"doc/a/meta", "doc/a/update/1"}, keys)

	failure := errors.New("connection reset")
	if _, err := scanKeys(context.Background(), &sliceIterator{err: failure}); !errors.Is(err, failure) {
		t.Fatalf("scanKeys error = %v", err)
	}
}
