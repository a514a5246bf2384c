// Package awareness tracks ephemeral per-client presence. Nothing here is ever persisted.
package awareness

import (
	"slices"
	"time"

	"github.com/astromechza/automerge-relay/pkg/protocol"
)

type meta struct {
	clock   uint64
	updated time.Time
}

// Table keeps the latest state and clock per client id. The clock of a removed client is remembered so that a
// delayed update with an older clock cannot resurrect it.
type Table struct {
	states map[uint64]protocol.AwarenessEntry
	meta   map[uint64]meta
	now    func() time.Time
}

func New() *Table {
	return &Table{
		states: make(map[uint64]protocol.AwarenessEntry),
		meta:   make(map[uint64]meta),
		now:    time.Now,
	}
}

// Apply accepts the entries that are newer than what the table holds and returns exactly those.
func (t *Table) Apply(entries []protocol.AwarenessEntry) []protocol.AwarenessEntry {
	now := t.now()
	var accepted []protocol.AwarenessEntry
	for _, e := range entries {
		m, seen := t.meta[e.ClientID]
		_, present := t.states[e.ClientID]
		switch {
		case !seen || e.Clock > m.clock:
		case e.Clock == m.clock && e.IsNull() && present:
		default:
			continue
		}
		t.meta[e.ClientID] = meta{clock: e.Clock, updated: now}
		if e.IsNull() {
			if !present {
				// already gone, nothing observable changed
				continue
			}
			delete(t.states, e.ClientID)
			e.State = nil
		} else {
			t.states[e.ClientID] = e
		}
		accepted = append(accepted, e)
	}
	return accepted
}

// Remove drops the given clients and returns null entries with bumped clocks for the ones that were present.
func (t *Table) Remove(ids []uint64) []protocol.AwarenessEntry {
	now := t.now()
	var removed []protocol.AwarenessEntry
	for _, id := range ids {
		if _, ok := t.states[id]; !ok {
			continue
		}
		delete(t.states, id)
		clock := t.meta[id].clock + 1
		t.meta[id] = meta{clock: clock, updated: now}
		removed = append(removed, protocol.AwarenessEntry{ClientID: id, Clock: clock})
	}
	return removed
}

// Expire removes every client whose state has not been renewed within timeout.
func (t *Table) Expire(timeout time.Duration) []protocol.AwarenessEntry {
	if timeout <= 0 {
		return nil
	}
	cutoff := t.now().Add(-timeout)
	var stale []uint64
	for id := range t.states {
		if t.meta[id].updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	return t.Remove(stale)
}

// Snapshot returns all present states ordered by client id.
func (t *Table) Snapshot() []protocol.AwarenessEntry {
	out := make([]protocol.AwarenessEntry, 0, len(t.states))
	for _, e := range t.states {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b protocol.AwarenessEntry) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return out
}

func (t *Table) Get(id uint64) (protocol.AwarenessEntry, bool) {
	e, ok := t.states[id]
	return e, ok
}

func (t *Table) Len() int {
	return len(t.states)
}
