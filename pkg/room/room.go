// Package room is the single writer for one document. A room owns the document, the awareness table, the update log
// and the set of attached sessions, and mutates them only from its own goroutine.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-relay/pkg/awareness"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/protocol"
	"github.com/astromechza/automerge-relay/pkg/updatelog"
)

var ErrClosed = errors.New("room is closed")

// Archiver receives every snapshot a compaction produces.
type Archiver interface {
	Archive(ctx context.Context, docID string, seq uint64, snapshot []byte) error
}

type Options struct {
	MaxFrameBytes     int
	SendQueueSize     int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	AwarenessTimeout  time.Duration
	StorageTimeout    time.Duration
	IdleRetryInterval time.Duration
	Archiver          Archiver
	// OnIdle runs on the room goroutine once the last session has gone and everything is compacted.
	OnIdle func(r *Room)
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	if o.SendQueueSize < 2 {
		o.SendQueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = 10 * time.Second
	}
	if o.IdleRetryInterval <= 0 {
		o.IdleRetryInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Info struct {
	ID        string          `json:"id"`
	Sessions  int             `json:"sessions"`
	Awareness int             `json:"awareness"`
	Changes   int             `json:"changes"`
	Log       updatelog.Stats `json:"log"`
}

type Room struct {
	id        string
	doc       *crdt.Document
	log       *updatelog.Log
	awareness *awareness.Table
	sessions  map[*Session]struct{}
	opts      Options
	logger    *slog.Logger

	mailbox chan func()
	done    chan struct{}
	stopped bool
}

// New wraps a hydrated document and its log. Call Start before using the room.
func New(id string, log *updatelog.Log, doc *crdt.Document, opts Options) *Room {
	opts = opts.withDefaults()
	return &Room{
		id:        id,
		doc:       doc,
		log:       log,
		awareness: awareness.New(),
		sessions:  make(map[*Session]struct{}),
		opts:      opts,
		logger:    opts.Logger.With("doc", id),
		mailbox:   make(chan func()),
		done:      make(chan struct{}),
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Start() {
	go r.run()
}

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	defer close(r.done)

	var expiry <-chan time.Time
	if r.opts.AwarenessTimeout > 0 {
		t := time.NewTicker(max(r.opts.AwarenessTimeout/2, 10*time.Millisecond))
		defer t.Stop()
		expiry = t.C
	}
	retry := time.NewTicker(r.opts.IdleRetryInterval)
	defer retry.Stop()

	for !r.stopped {
		select {
		case op := <-r.mailbox:
			op()
		case <-expiry:
			if expired := r.awareness.Expire(r.opts.AwarenessTimeout); len(expired) > 0 {
				r.logger.Debug("expired awareness", "clients", len(expired))
				r.broadcast(nil, protocol.EncodeAwareness(expired))
			}
		case <-retry.C:
			// covers failed idle compactions and rooms activated without ever gaining a session
			if len(r.sessions) == 0 {
				r.idle()
			}
		}
	}
}

// do runs fn on the room goroutine and waits for it. The mailbox is unbuffered so an accepted op always runs.
func (r *Room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case r.mailbox <- op:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post queues fn without waiting for it. It is dropped if the room has stopped.
func (r *Room) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.done:
	}
}

func (r *Room) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.StorageTimeout)
}

// Attach registers conn as a new session. The session is sent the room's state vector, to prompt it for anything the
// room is missing, followed by the current awareness states.
func (r *Room) Attach(ctx context.Context, conn Conn) (*Session, error) {
	s := newSession(r, conn)
	if err := r.do(ctx, func() {
		r.sessions[s] = struct{}{}
		s.enqueue(protocol.EncodeSyncStep1(r.doc.StateVector()))
		if snapshot := r.awareness.Snapshot(); len(snapshot) > 0 {
			s.enqueue(protocol.EncodeAwareness(snapshot))
		}
	}); err != nil {
		return nil, err
	}
	s.logger.Info("session attached")
	s.start()
	return s, nil
}

func (r *Room) handle(s *Session, msg protocol.Message) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	switch {
	case msg.IsStateRequest():
		diff, err := r.doc.DiffFrom(msg.Payload)
		if err != nil {
			s.logger.Warn("dropping state request", "err", err)
			return
		}
		if len(diff) > 0 {
			r.deliver(s, protocol.EncodeSyncStep2(diff))
		}
	case msg.IsUpdate():
		r.merge(s, msg.Payload)
	case msg.Type == protocol.MessageAwareness:
		accepted := r.awareness.Apply(msg.Awareness)
		if len(accepted) == 0 {
			return
		}
		for _, e := range accepted {
			if e.IsNull() {
				delete(s.owned, e.ClientID)
			} else {
				s.owned[e.ClientID] = struct{}{}
			}
		}
		r.broadcast(s, protocol.EncodeAwareness(accepted))
	}
}

func (r *Room) merge(s *Session, raw []byte) {
	update, changed, err := r.doc.Merge(raw)
	if err != nil {
		s.logger.Warn("dropping update that failed to merge", "err", err)
		return
	}
	if !changed {
		return
	}

	ctx, cancel := r.storageContext()
	defer cancel()
	seq, err := r.log.Append(ctx, update.Bytes)
	if err != nil {
		r.logger.Error("failed to append update, compacting instead", "err", err)
		if _, cerr := r.log.Compact(ctx, r.doc); cerr != nil {
			// later updates depend on this one so peers must still see it, the next compaction persists it
			r.logger.Error("update is not yet durable", "err", cerr)
		}
	} else {
		s.logger.Debug("appended update", "seq", seq, "bytes", len(update.Bytes), "changes", update.Changes)
	}

	r.broadcast(s, protocol.EncodeUpdate(update.Bytes))

	if r.log.CompactionDue() {
		if err := r.compact(); err != nil {
			r.logger.Warn("compaction failed, will retry", "err", err)
		}
	}
}

func (r *Room) compact() error {
	ctx, cancel := r.storageContext()
	defer cancel()
	seq, err := r.log.Compact(ctx, r.doc)
	if err != nil {
		return err
	}
	if seq > 0 && r.opts.Archiver != nil {
		snapshot := r.doc.FullState()
		go func() {
			ctx, cancel := r.storageContext()
			defer cancel()
			if err := r.opts.Archiver.Archive(ctx, r.id, seq, snapshot); err != nil {
				r.logger.Warn("failed to archive snapshot", "seq", seq, "err", err)
			}
		}()
	}
	return nil
}

// deliver queues a frame for one session, tearing it down if it cannot keep up.
func (r *Room) deliver(s *Session, frame []byte) {
	if !s.enqueue(frame) {
		r.teardown(s)
	}
}

// broadcast queues a frame for every session except from. A session that cannot take it is torn down after everyone
// else has been served.
func (r *Room) broadcast(from *Session, frame []byte) {
	var failed []*Session
	for s := range r.sessions {
		if s == from {
			continue
		}
		if !s.enqueue(frame) {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		r.teardown(s)
	}
}

func (r *Room) teardown(s *Session) {
	s.terminate()
	r.detach(s)
}

func (r *Room) detach(s *Session) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)
	s.logger.Info("session detached", "remaining", len(r.sessions))

	owned := make([]uint64, 0, len(s.owned))
	for id := range s.owned {
		owned = append(owned, id)
	}
	if removed := r.awareness.Remove(owned); len(removed) > 0 {
		r.broadcast(nil, protocol.EncodeAwareness(removed))
	}
	if len(r.sessions) == 0 && !r.stopped {
		r.idle()
	}
}

func (r *Room) idle() {
	if err := r.compact(); err != nil {
		r.logger.Warn("idle compaction failed, room stays resident", "err", err)
		return
	}
	if r.opts.OnIdle != nil {
		r.opts.OnIdle(r)
	}
}

// Retire stops the room if it has no sessions and nothing left to persist. A retired room rejects new sessions with
// ErrClosed.
func (r *Room) Retire(ctx context.Context) (bool, error) {
	var retired bool
	if err := r.do(ctx, func() {
		if len(r.sessions) > 0 || r.log.Dirty() {
			return
		}
		r.stopped = true
		retired = true
	}); err != nil {
		return false, err
	}
	return retired, nil
}

// Close disconnects every session, runs a final compaction and stops the room.
func (r *Room) Close(ctx context.Context) error {
	var cerr error
	if err := r.do(ctx, func() {
		for s := range r.sessions {
			s.terminate()
			delete(r.sessions, s)
		}
		cerr = r.compact()
		r.stopped = true
	}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	if cerr != nil {
		return fmt.Errorf("final compaction of %s: %w", r.id, cerr)
	}
	return nil
}

func (r *Room) Info(ctx context.Context) (Info, error) {
	var info Info
	err := r.do(ctx, func() {
		info = Info{
			ID:        r.id,
			Sessions:  len(r.sessions),
			Awareness: r.awareness.Len(),
			Changes:   r.doc.Len(),
			Log:       r.log.Stats(),
		}
	})
	return info, err
}

// Fork returns a copy of the current document that the caller owns.
func (r *Room) Fork(ctx context.Context) (*automerge.Doc, error) {
	var doc *automerge.Doc
	var ferr error
	if err := r.do(ctx, func() {
		doc, ferr = r.doc.Fork()
	}); err != nil {
		return nil, err
	}
	return doc, ferr
}
