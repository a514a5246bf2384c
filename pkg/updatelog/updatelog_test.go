package updatelog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/storage"
)

var errInjected = errors.New("injected failure")

// flakyStore fails writes whose keys match failOn.
type flakyStore struct {
	*storage.Memory
	failOn func(key string) bool
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	return f.Commit(ctx, new(storage.Batch).Put(key, value))
}

func (f *flakyStore) Commit(ctx context.Context, batch *storage.Batch) error {
	if f.failOn != nil {
		for _, op := range batch.Ops() {
			if f.failOn(op.Key) {
				return errInjected
			}
		}
	}
	return f.Memory.Commit(ctx, batch)
}

type writer struct {
	t      *testing.T
	client *automerge.Doc
	n      int
}

func newWriter(t *testing.T) *writer {
	return &writer{t: t, client: automerge.New()}
}

func (w *writer) next() []byte {
	w.t.Helper()
	before := w.client.Heads()
	w.n++
	if err := w.client.Path(fmt.Sprintf("k%d", w.n)).Set(w.n); err != nil {
		w.t.Fatalf("Set failed: %v", err)
	}
	update, err := crdt.EncodeChanges(w.client, before...)
	if err != nil {
		w.t.Fatalf("EncodeChanges failed: %v", err)
	}
	return update
}

// mergeAndAppend does what a room does with an inbound update.
func mergeAndAppend(t *testing.T, l *Log, doc *crdt.Document, raw []byte) error {
	t.Helper()
	out, changed, err := doc.Merge(raw)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !changed {
		t.Fatal("expected the update to change the document")
	}
	_, err = l.Append(context.Background(), out.Bytes)
	return err
}

func heads(doc *crdt.Document) []string {
	var out []string
	for _, h := range doc.Heads() {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func hydrate(t *testing.T, store storage.Store, policy Policy) (*Log, *crdt.Document) {
	t.Helper()
	l := New(store, "doc-1", policy, nil)
	doc, err := l.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	return l, doc
}

func TestHydrateEmpty(t *testing.T) {
	l, doc := hydrate(t, storage.NewMemory(), Policy{})
	assert.Equal(t, 0, len(doc.Heads()))
	assert.Equal(t, "active", l.Stats().State)
	assert.Equal(t, uint64(1), l.Stats().NextSeq)

	if _, err := l.Hydrate(context.Background()); err == nil {
		t.Fatal("expected a second Hydrate to fail")
	}
}

func TestAppendThenHydrate(t *testing.T) {
	store := storage.NewMemory()
	l, doc := hydrate(t, store, Policy{})
	w := newWriter(t)
	for i := 0; i < 5; i++ {
		if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	stats := l.Stats()
	assert.Equal(t, int64(5), stats.Count)
	assert.Equal(t, uint64(6), stats.NextSeq)

	l2, doc2 := hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(doc2))
	assert.Equal(t, stats.Count, l2.Stats().Count)
	assert.Equal(t, stats.Bytes, l2.Stats().Bytes)
	assert.Equal(t, stats.NextSeq, l2.Stats().NextSeq)
}

func TestAppendRequiresHydration(t *testing.T) {
	l := New(storage.NewMemory(), "doc-1", Policy{}, nil)
	if _, err := l.Append(context.Background(), []byte{1}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestSnapshotAndUpdatesMatchFullReplay(t *testing.T) {
	w := newWriter(t)
	var updates [][]byte
	for i := 0; i < 8; i++ {
		updates = append(updates, w.next())
	}

	for n := 0; n <= len(updates); n++ {
		t.Run(fmt.Sprintf("compact after %d", n), func(t *testing.T) {
			store := storage.NewMemory()
			l, doc := hydrate(t, store, Policy{})
			for i, u := range updates {
				if i == n {
					if _, err := l.Compact(context.Background(), doc); err != nil {
						t.Fatalf("Compact failed: %v", err)
					}
				}
				if err := mergeAndAppend(t, l, doc, u); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			_, compacted := hydrate(t, store, Policy{})

			replayed := crdt.New()
			for _, u := range updates {
				if _, _, err := replayed.Merge(u); err != nil {
					t.Fatalf("Merge failed: %v", err)
				}
			}
			assert.Equal(t, heads(replayed), heads(compacted))
		})
	}
}

func TestCompactResetsCounters(t *testing.T) {
	store := storage.NewMemory()
	l, doc := hydrate(t, store, Policy{})
	w := newWriter(t)
	for i := 0; i < 3; i++ {
		if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	seq, err := l.Compact(context.Background(), doc)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	assert.Equal(t, uint64(4), seq)
	stats := l.Stats()
	assert.Equal(t, int64(0), stats.Count)
	assert.Equal(t, int64(0), stats.Bytes)
	assert.Equal(t, seq, stats.SnapshotSeq)

	updates, err := store.List(context.Background(), "doc/doc-1/update/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	assert.Equal(t, 0, len(updates))

	snapshot, err := store.Get(context.Background(), fmt.Sprintf("doc/doc-1/snapshot/%020d", seq))
	if err != nil {
		t.Fatalf("Get snapshot failed: %v", err)
	}
	fromSnapshot, err := crdt.Load(snapshot)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assert.Equal(t, heads(doc), heads(fromSnapshot))

	// nothing new, nothing to fold
	seq, err = l.Compact(context.Background(), doc)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	assert.Equal(t, uint64(0), seq)
}

func TestCompactionDueByCount(t *testing.T) {
	store := storage.NewMemory()
	l, doc := hydrate(t, store, Policy{MaxCount: 3})
	w := newWriter(t)

	for i := 1; i <= 4; i++ {
		if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if l.CompactionDue() {
			assert.Equal(t, 3, i)
			if _, err := l.Compact(context.Background(), doc); err != nil {
				t.Fatalf("Compact failed: %v", err)
			}
		}
	}

	snapshots, _ := store.List(context.Background(), "doc/doc-1/snapshot/")
	updates, _ := store.List(context.Background(), "doc/doc-1/update/")
	assert.Equal(t, 1, len(snapshots))
	assert.Equal(t, 1, len(updates))

	_, rebuilt := hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))
}

func TestCompactionDueByBytes(t *testing.T) {
	l, doc := hydrate(t, storage.NewMemory(), Policy{MaxBytes: 1})
	assert.Equal(t, false, l.CompactionDue())
	if err := mergeAndAppend(t, l, doc, newWriter(t).next()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	assert.Equal(t, true, l.CompactionDue())
}

func TestFailedSnapshotWriteKeepsPreviousGeneration(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	l, doc := hydrate(t, store, Policy{})
	w := newWriter(t)
	for i := 0; i < 3; i++ {
		if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	store.failOn = func(key string) bool { return strings.Contains(key, "/snapshot/") }
	if _, err := l.Compact(context.Background(), doc); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	assert.Equal(t, int64(3), l.Stats().Count)

	_, rebuilt := hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))

	store.failOn = nil
	if _, err := l.Compact(context.Background(), doc); err != nil {
		t.Fatalf("retried Compact failed: %v", err)
	}
	_, rebuilt = hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))
}

func TestFailedSwapKeepsPreviousGeneration(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	l, doc := hydrate(t, store, Policy{})
	w := newWriter(t)
	if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	store.failOn = func(key string) bool { return strings.HasSuffix(key, "/meta") }
	if _, err := l.Compact(context.Background(), doc); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	store.failOn = nil

	// appends keep working against the old generation
	if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
		t.Fatalf("Append after failed compaction failed: %v", err)
	}
	_, rebuilt := hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))

	if _, err := l.Compact(context.Background(), doc); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	snapshots, _ := store.List(context.Background(), "doc/doc-1/snapshot/")
	assert.Equal(t, 1, len(snapshots))
	_, rebuilt = hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))
}

func TestFailedSweepIsRetried(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	l, doc := hydrate(t, store, Policy{})
	w := newWriter(t)
	for i := 0; i < 2; i++ {
		if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	store.failOn = func(key string) bool { return strings.Contains(key, "/update/") }
	if _, err := l.Compact(context.Background(), doc); err != nil {
		t.Fatalf("Compact should succeed once the snapshot is swapped in: %v", err)
	}
	store.failOn = nil
	leftovers, _ := store.List(context.Background(), "doc/doc-1/update/")
	assert.Equal(t, 2, len(leftovers))

	// leftovers are ignored by hydration
	l2, rebuilt := hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))
	assert.Equal(t, int64(0), l2.Stats().Count)

	if err := mergeAndAppend(t, l, doc, w.next()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Compact(context.Background(), doc); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	leftovers, _ = store.List(context.Background(), "doc/doc-1/update/")
	assert.Equal(t, 0, len(leftovers))
}

func TestFailedAppendIsCapturedByCompaction(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	l, doc := hydrate(t, store, Policy{})
	w := newWriter(t)

	store.failOn = func(key string) bool { return strings.Contains(key, "/update/") }
	if err := mergeAndAppend(t, l, doc, w.next()); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	assert.Equal(t, true, l.Stats().Unpersisted)
	assert.Equal(t, true, l.Dirty())
	store.failOn = nil

	if _, err := l.Compact(context.Background(), doc); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	assert.Equal(t, false, l.Stats().Unpersisted)
	_, rebuilt := hydrate(t, store, Policy{})
	assert.Equal(t, heads(doc), heads(rebuilt))
}

func TestHydrateFailsOnStorageError(t *testing.T) {
	store := storage.NewMemory()
	if err := store.Put(context.Background(), "doc/doc-1/meta", []byte(`{"next_seq":5,"snapshot_seq":4}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	l := New(store, "doc-1", Policy{}, nil)
	if _, err := l.Hydrate(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing snapshot error, got %v", err)
	}
	assert.Equal(t, "empty", l.Stats().State)
}

func TestDocumentIDsAreEscaped(t *testing.T) {
	store := storage.NewMemory()
	a := New(store, "a", Policy{}, nil)
	b := New(store, "a/update", Policy{}, nil)
	docA, err := a.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if _, err := b.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if err := mergeAndAppend(t, a, docA, newWriter(t).next()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	c := New(store, "a/update", Policy{}, nil)
	docC, err := c.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	assert.Equal(t, 0, len(docC.Heads()))
}
