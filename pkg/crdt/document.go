// Package crdt wraps an automerge document behind the narrow interface a room needs: merge an update, compute a
// diff for a peer, and encode the full state.
package crdt

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidStateVector = errors.New("invalid state vector")

// Update is the normalized form of a change set that was merged into a Document.
type Update struct {
	Bytes   []byte
	Changes int
}

// maxPending bounds how many changes may wait for missing dependencies.
const maxPending = 1 << 12

// Document is not safe for concurrent mutation, a room owns it and serializes access.
type Document struct {
	doc   *automerge.Doc
	known map[automerge.ChangeHash]struct{}
	// pending holds changes whose dependencies have not all arrived yet
	pending map[automerge.ChangeHash]change
}

func New() *Document {
	return &Document{
		doc:     automerge.New(),
		known:   make(map[automerge.ChangeHash]struct{}),
		pending: make(map[automerge.ChangeHash]change),
	}
}

// Load restores a document from a FullState snapshot.
func Load(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	d := &Document{
		doc:     doc,
		known:   make(map[automerge.ChangeHash]struct{}),
		pending: make(map[automerge.ChangeHash]change),
	}
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to index changes: %w", err)
	}
	for _, c := range changes {
		d.known[c.Hash()] = struct{}{}
	}
	return d, nil
}

// Merge applies update bytes produced by EncodeChanges or a previous Merge. Changes are decoded against this document,
// and a change whose dependencies are missing waits until they arrive. When the document changed, the returned Update
// holds every change that became visible, which may be more than the input if it completed pending changes.
// Malformed input is rejected and leaves the document untouched.
func (d *Document) Merge(update []byte) (out Update, changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, changed, err = Update{}, false, fmt.Errorf("merge panicked: %v", r)
		}
	}()
	changes, err := decodeChanges(update)
	if err != nil {
		return Update{}, false, err
	}
	var fresh []change
	for _, c := range changes {
		if _, ok := d.known[c.hash]; ok {
			continue
		}
		if _, ok := d.pending[c.hash]; ok {
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return Update{}, false, nil
	}
	if len(d.pending)+len(fresh) > maxPending {
		return Update{}, false, fmt.Errorf("%w: more than %d changes waiting for dependencies", ErrInvalidUpdate, maxPending)
	}
	for _, c := range fresh {
		d.pending[c.hash] = c
	}

	before := d.doc.Heads()
	if err := d.drain(); err != nil {
		return Update{}, false, err
	}
	if sameHeads(before, d.doc.Heads()) {
		return Update{}, false, nil
	}
	applied, err := d.doc.Changes(before...)
	if err != nil {
		return Update{}, false, fmt.Errorf("failed to collect applied changes: %w", err)
	}
	for _, c := range applied {
		d.known[c.Hash()] = struct{}{}
	}
	return Update{Bytes: automerge.SaveChanges(applied), Changes: len(applied)}, true, nil
}

// drain applies pending changes in causal order until none of the remaining ones is ready.
func (d *Document) drain() error {
	for progress := true; progress; {
		progress = false
		for hash, c := range d.pending {
			if !d.ready(c) {
				continue
			}
			delete(d.pending, hash)
			if err := d.doc.LoadIncremental(c.raw); err != nil {
				return fmt.Errorf("failed to apply change %s: %w", hash, err)
			}
			if _, err := d.doc.Change(hash); err != nil {
				return fmt.Errorf("change %s is missing after apply: %w", hash, err)
			}
			d.known[hash] = struct{}{}
			progress = true
		}
	}
	return nil
}

func (d *Document) ready(c change) bool {
	for _, dep := range c.deps {
		if _, ok := d.known[dep]; !ok {
			return false
		}
	}
	return true
}

// Pending is the number of changes waiting for dependencies.
func (d *Document) Pending() int {
	return len(d.pending)
}

// DiffFrom returns the changes this document has that a peer with the given state vector is missing. Heads the
// document has never seen are ignored, so the result is a superset of what the peer needs and never an error for a
// peer that is ahead.
func (d *Document) DiffFrom(stateVector []byte) ([]byte, error) {
	heads, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	since := make([]automerge.ChangeHash, 0, len(heads))
	for _, h := range heads {
		if _, ok := d.known[h]; ok {
			since = append(since, h)
		}
	}
	changes, err := d.doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

func (d *Document) StateVector() []byte {
	return EncodeStateVector(d.doc.Heads())
}

func (d *Document) FullState() []byte {
	return d.doc.Save()
}

func (d *Document) Heads() []automerge.ChangeHash {
	return d.doc.Heads()
}

func (d *Document) Len() int {
	return len(d.known)
}

// Fork returns an independent copy, for readers outside the owning room.
func (d *Document) Fork() (*automerge.Doc, error) {
	return d.doc.Fork()
}

// ApplyUpdate is the client side counterpart of Merge: it applies update bytes from a relay to doc. Changes with
// missing dependencies are held by doc until the dependencies are applied.
func ApplyUpdate(doc *automerge.Doc, update []byte) error {
	if _, err := decodeChanges(update); err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}
	if err := doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// EncodeChanges is the client side counterpart of Merge: it encodes the changes of doc made after since.
func EncodeChanges(doc *automerge.Doc, since ...automerge.ChangeHash) ([]byte, error) {
	changes, err := doc.Changes(since...)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	b := protowire.AppendVarint(nil, uint64(len(heads)))
	for _, h := range heads {
		b = protowire.AppendBytes(b, h[:])
	}
	return b
}

func DecodeStateVector(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, protowire.ParseError(n))
	}
	raw = raw[n:]
	if count > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: %d heads in %d bytes", ErrInvalidStateVector, count, len(raw))
	}
	heads := make([]automerge.ChangeHash, 0, count)
	for i := uint64(0); i < count; i++ {
		h, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, protowire.ParseError(n))
		}
		if len(h) != len(automerge.ChangeHash{}) {
			return nil, fmt.Errorf("%w: head of %d bytes", ErrInvalidStateVector, len(h))
		}
		raw = raw[n:]
		var ch automerge.ChangeHash
		copy(ch[:], h)
		heads = append(heads, ch)
	}
	return heads, nil
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		set[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := set[h]; !ok {
			return false
		}
	}
	return true
}
