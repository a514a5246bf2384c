// Package updatelog persists the updates of one document as an append only log plus a snapshot, and folds the log
// into a new snapshot when it grows past a policy threshold.
//
// Keys for document D (D is path escaped):
//
//	doc/D/meta                 json counters, see meta
//	doc/D/update/<seq>         one update per sequence number, zero padded to 20 digits
//	doc/D/snapshot/<seq>       full state covering every update with a lower sequence number
//
// The meta key names the authoritative snapshot. Compaction writes the new snapshot under a fresh key, swaps meta to
// it, and only then deletes what it folded, so a reader always sees either the old or the new generation.
package updatelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/storage"
)

type State int

const (
	StateEmpty State = iota
	StateHydrating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateHydrating:
		return "hydrating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

var ErrNotActive = errors.New("update log is not active")

// Policy triggers compaction when either limit is reached. Zero disables a limit.
type Policy struct {
	MaxBytes int64
	MaxCount int64
}

type meta struct {
	NextSeq     uint64 `json:"next_seq"`
	SnapshotSeq uint64 `json:"snapshot_seq"`
	Bytes       int64  `json:"bytes"`
	Count       int64  `json:"count"`
}

type Stats struct {
	State       string `json:"state"`
	NextSeq     uint64 `json:"next_seq"`
	SnapshotSeq uint64 `json:"snapshot_seq"`
	Bytes       int64  `json:"bytes"`
	Count       int64  `json:"count"`
	Unpersisted bool   `json:"unpersisted"`
}

type Log struct {
	store  storage.Store
	docID  string
	prefix string
	policy Policy
	logger *slog.Logger

	state State
	meta  meta
	// unpersisted is set when an append failed, the document then holds state only a snapshot can capture.
	unpersisted bool
}

func New(store storage.Store, docID string, policy Policy, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		docID:  docID,
		prefix: "doc/" + url.PathEscape(docID) + "/",
		policy: policy,
		logger: logger.With("doc", docID),
		meta:   meta{NextSeq: 1},
	}
}

func (l *Log) metaKey() string {
	return l.prefix + "meta"
}

func (l *Log) updatePrefix() string {
	return l.prefix + "update/"
}

func (l *Log) snapshotPrefix() string {
	return l.prefix + "snapshot/"
}

func (l *Log) updateKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", l.updatePrefix(), seq)
}

func (l *Log) snapshotKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", l.snapshotPrefix(), seq)
}

func parseSeq(key, prefix string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
}

// Hydrate rebuilds the document from the current snapshot and the updates appended after it. Storage errors fail
// hydration, an update the document rejects is logged and skipped.
func (l *Log) Hydrate(ctx context.Context) (*crdt.Document, error) {
	if l.state != StateEmpty {
		return nil, fmt.Errorf("cannot hydrate a log in state %s", l.state)
	}
	l.state = StateHydrating
	doc, err := l.hydrate(ctx)
	if err != nil {
		l.state = StateEmpty
		return nil, err
	}
	l.state = StateActive
	return doc, nil
}

func (l *Log) hydrate(ctx context.Context) (*crdt.Document, error) {
	m := meta{NextSeq: 1}
	raw, err := l.store.Get(ctx, l.metaKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read meta: %w", err)
	default:
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode meta: %w", err)
		}
	}

	var doc *crdt.Document
	if m.SnapshotSeq > 0 {
		snapshot, err := l.store.Get(ctx, l.snapshotKey(m.SnapshotSeq))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %d: %w", m.SnapshotSeq, err)
		}
		if doc, err = crdt.Load(snapshot); err != nil {
			return nil, fmt.Errorf("failed to load snapshot %d: %w", m.SnapshotSeq, err)
		}
	} else {
		doc = crdt.New()
	}

	updates, err := l.store.List(ctx, l.updatePrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}
	m.Bytes, m.Count = 0, 0
	for _, kv := range updates {
		seq, err := parseSeq(kv.Key, l.updatePrefix())
		if err != nil {
			l.logger.Warn("skipping update with unparseable key", "key", kv.Key, "err", err)
			continue
		}
		if seq <= m.SnapshotSeq {
			// folded by a compaction whose cleanup did not finish
			continue
		}
		if seq >= m.NextSeq {
			m.NextSeq = seq + 1
		}
		m.Bytes += int64(len(kv.Value))
		m.Count++
		if _, _, err := doc.Merge(kv.Value); err != nil {
			l.logger.Warn("skipping update that failed to merge", "seq", seq, "err", err)
		}
	}
	l.meta = m
	l.logger.Info("hydrated", "snapshot", m.SnapshotSeq, "updates", m.Count, "bytes", m.Bytes)
	return doc, nil
}

// Append stores one update under the next sequence number. The counters move only when the write committed.
func (l *Log) Append(ctx context.Context, update []byte) (uint64, error) {
	if l.state != StateActive {
		return 0, ErrNotActive
	}
	seq := l.meta.NextSeq
	next := l.meta
	next.NextSeq = seq + 1
	next.Bytes += int64(len(update))
	next.Count++
	rawMeta, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("failed to encode meta: %w", err)
	}
	// a failed commit may still have landed, never hand out its sequence number again
	l.meta.NextSeq = next.NextSeq
	if err := l.store.Commit(ctx, new(storage.Batch).Put(l.updateKey(seq), update).Put(l.metaKey(), rawMeta)); err != nil {
		l.unpersisted = true
		return 0, fmt.Errorf("failed to append update %d: %w", seq, err)
	}
	l.meta = next
	return seq, nil
}

// CompactionDue reports whether the byte or count threshold has been reached.
func (l *Log) CompactionDue() bool {
	if l.policy.MaxBytes > 0 && l.meta.Bytes >= l.policy.MaxBytes {
		return true
	}
	return l.policy.MaxCount > 0 && l.meta.Count >= l.policy.MaxCount
}

// Dirty reports whether there is anything a compaction would fold.
func (l *Log) Dirty() bool {
	return l.meta.Count > 0 || l.unpersisted
}

// Compact writes doc as the new snapshot and drops the updates it folds. doc must be the document returned by Hydrate
// with every appended update merged into it. It returns the sequence number of the new snapshot, or zero when there
// was nothing to fold. A failure leaves the previous generation authoritative.
func (l *Log) Compact(ctx context.Context, doc *crdt.Document) (uint64, error) {
	if l.state != StateActive {
		return 0, ErrNotActive
	}
	if !l.Dirty() {
		return 0, nil
	}

	seq := l.meta.NextSeq
	l.meta.NextSeq = seq + 1
	if err := l.store.Put(ctx, l.snapshotKey(seq), doc.FullState()); err != nil {
		return 0, fmt.Errorf("failed to write snapshot %d: %w", seq, err)
	}

	next := meta{NextSeq: seq + 1, SnapshotSeq: seq}
	rawMeta, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("failed to encode meta: %w", err)
	}
	if err := l.store.Put(ctx, l.metaKey(), rawMeta); err != nil {
		return 0, fmt.Errorf("failed to swap to snapshot %d: %w", seq, err)
	}
	previous := l.meta.SnapshotSeq
	l.meta = next
	l.unpersisted = false

	if err := l.sweep(ctx, seq); err != nil {
		// the new generation is authoritative, leftovers are retried by the next compaction
		l.logger.Warn("failed to delete folded updates", "snapshot", seq, "err", err)
	}
	l.logger.Info("compacted", "snapshot", seq, "previous", previous)
	return seq, nil
}

func (l *Log) sweep(ctx context.Context, snapshotSeq uint64) error {
	batch := new(storage.Batch)
	for _, prefix := range []string{l.updatePrefix(), l.snapshotPrefix()} {
		kvs, err := l.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			seq, err := parseSeq(kv.Key, prefix)
			if err != nil || seq >= snapshotSeq {
				continue
			}
			batch.Delete(kv.Key)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return l.store.Commit(ctx, batch)
}

func (l *Log) Stats() Stats {
	return Stats{
		State:       l.state.String(),
		NextSeq:     l.meta.NextSeq,
		SnapshotSeq: l.meta.SnapshotSeq,
		Bytes:       l.meta.Bytes,
		Count:       l.meta.Count,
		Unpersisted: l.unpersisted,
	}
}
