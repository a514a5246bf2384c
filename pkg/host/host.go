// Package host keeps at most one live room per document in this process, activating rooms on demand and evicting
// them once they are idle and fully compacted.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/astromechza/automerge-relay/pkg/room"
	"github.com/astromechza/automerge-relay/pkg/storage"
	"github.com/astromechza/automerge-relay/pkg/updatelog"
)

var ErrShuttingDown = errors.New("host is shutting down")

const activateTimeout = 30 * time.Second

type Options struct {
	Policy updatelog.Policy
	// Room is the template for every room; OnIdle is owned by the host and overwritten.
	Room   room.Options
	Logger *slog.Logger
}

type Host struct {
	store  storage.Store
	opts   Options
	logger *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	rooms   map[string]*room.Room
	closing bool
}

func New(store storage.Store, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Room.Logger = opts.Logger
	return &Host{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		rooms:  make(map[string]*room.Room),
	}
}

func (h *Host) lookup(docID string) (*room.Room, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil, false, ErrShuttingDown
	}
	r, ok := h.rooms[docID]
	return r, ok, nil
}

// GetOrActivate returns the live room for docID, hydrating it from storage when there is none. Concurrent callers for
// the same document share one hydration. A failed hydration is returned to every waiter and nothing is cached.
func (h *Host) GetOrActivate(ctx context.Context, docID string) (*room.Room, error) {
	if r, ok, err := h.lookup(docID); err != nil || ok {
		return r, err
	}
	v, err, _ := h.group.Do(docID, func() (any, error) {
		if r, ok, err := h.lookup(docID); err != nil || ok {
			return r, err
		}
		// waiters share this activation, so one of them going away must not cancel it
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activateTimeout)
		defer cancel()
		return h.activate(ctx, docID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*room.Room), nil
}

func (h *Host) activate(ctx context.Context, docID string) (*room.Room, error) {
	started := time.Now()
	log := updatelog.New(h.store, docID, h.opts.Policy, h.logger)
	doc, err := log.Hydrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate %s: %w", docID, err)
	}

	opts := h.opts.Room
	opts.OnIdle = func(r *room.Room) {
		go h.evict(r)
	}
	r := room.New(docID, log, doc, opts)
	r.Start()

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = r.Close(ctx)
		return nil, ErrShuttingDown
	}
	h.rooms[docID] = r
	h.mu.Unlock()
	h.logger.Info("activated room", "doc", docID, "changes", doc.Len(), "took", time.Since(started))
	return r, nil
}

// Attach connects conn to the room for docID.
func (h *Host) Attach(ctx context.Context, docID string, conn room.Conn) (*room.Session, error) {
	return withRoom(ctx, h, docID, func(r *room.Room) (*room.Session, error) {
		return r.Attach(ctx, conn)
	})
}

// Fork returns a copy of the current state of docID that the caller owns.
func (h *Host) Fork(ctx context.Context, docID string) (*automerge.Doc, error) {
	return withRoom(ctx, h, docID, func(r *room.Room) (*automerge.Doc, error) {
		return r.Fork(ctx)
	})
}

// withRoom runs fn against the room for docID. A room that retires between lookup and fn is replaced by a fresh
// activation.
func withRoom[T any](ctx context.Context, h *Host, docID string, fn func(r *room.Room) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		r, err := h.GetOrActivate(ctx, docID)
		if err != nil {
			var zero T
			return zero, err
		}
		out, err := fn(r)
		if errors.Is(err, room.ErrClosed) && attempt < 3 {
			h.forget(r)
			continue
		}
		return out, err
	}
}

func (h *Host) forget(r *room.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.ID()] == r {
		delete(h.rooms, r.ID())
	}
}

// evict runs after a room reported idle. The room decides atomically whether it can still retire, since a session may
// have attached in the meantime.
func (h *Host) evict(r *room.Room) {
	ctx, cancel := context.WithTimeout(context.Background(), activateTimeout)
	defer cancel()
	retired, err := r.Retire(ctx)
	if err != nil {
		if !errors.Is(err, room.ErrClosed) {
			h.logger.Warn("failed to retire room", "doc", r.ID(), "err", err)
		}
		return
	}
	if !retired {
		return
	}
	h.forget(r)
	h.logger.Info("evicted room", "doc", r.ID())
}

// Resident returns the live room for docID without activating one.
func (h *Host) Resident(docID string) (*room.Room, bool) {
	r, ok, _ := h.lookup(docID)
	return r, ok
}

func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Rooms reports every resident room, ordered by document id.
func (h *Host) Rooms(ctx context.Context) ([]room.Info, error) {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	out := make([]room.Info, 0, len(rooms))
	for _, r := range rooms {
		info, err := r.Info(ctx)
		if errors.Is(err, room.ErrClosed) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Shutdown closes every room, which disconnects its sessions and runs a final compaction. Later activations fail
// with ErrShuttingDown.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	rooms := h.rooms
	h.rooms = make(map[string]*room.Room)
	h.mu.Unlock()

	h.logger.Info("closing rooms", "count", len(rooms))
	var eg errgroup.Group
	eg.SetLimit(16)
	for id, r := range rooms {
		id, r := id, r
		eg.Go(func() error {
			if err := r.Close(ctx); err != nil {
				h.logger.Error("failed to close room", "doc", id, "err", err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}
