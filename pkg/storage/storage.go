// Package storage defines the key-value contract the update log is written against, with an in-process
// implementation. Durable backends live in the sub packages.
package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("key not found")

type KV struct {
	Key   string
	Value []byte
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type Op struct {
	kind  opKind
	Key   string
	Value []byte
}

func (o Op) IsDelete() bool {
	return o.kind == opDelete
}

// Batch is an ordered set of writes applied atomically by Store.Commit. Later operations on the same key win.
type Batch struct {
	ops []Op
}

func (b *Batch) Put(key string, value []byte) *Batch {
	b.ops = append(b.ops, Op{kind: opPut, Key: key, Value: value})
	return b
}

func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, Op{kind: opDelete, Key: key})
	return b
}

func (b *Batch) Ops() []Op {
	return b.ops
}

func (b *Batch) Len() int {
	return len(b.ops)
}

type Store interface {
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every pair whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KV, error)
	// Commit applies all operations of the batch or none of them.
	Commit(ctx context.Context, batch *Batch) error
	Ping(ctx context.Context) error
	Close() error
}

// SortKVs orders pairs by key, for backends that cannot list in key order.
func SortKVs(kvs []KV) {
	slices.SortFunc(kvs, func(a, b KV) int {
		return strings.Compare(a.Key, b.Key)
	})
}

// Memory is a Store held entirely in process memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	return m.Commit(ctx, new(Batch).Put(key, value))
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	return m.Commit(ctx, new(Batch).Delete(key))
}

func (m *Memory) List(_ context.Context, prefix string) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KV{Key: k, Value: slices.Clone(v)})
		}
	}
	SortKVs(out)
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range batch.ops {
		if op.IsDelete() {
			delete(m.data, op.Key)
		} else {
			m.data[op.Key] = slices.Clone(op.Value)
		}
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}
