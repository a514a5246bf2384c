package room

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-relay/pkg/protocol"
)

// Conn is the part of a *websocket.Conn a session uses.
type Conn interface {
	NextReader() (int, io.Reader, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one attached connection. Its awareness ownership is touched only by the room goroutine; everything else
// is owned by its reader and writer goroutines.
type Session struct {
	id     string
	room   *Room
	conn   Conn
	logger *slog.Logger

	send  chan []byte
	owned map[uint64]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	finished  chan struct{}
}

func newSession(r *Room, conn Conn) *Session {
	id := ulid.Make().String()
	return &Session{
		id:       id,
		room:     r,
		conn:     conn,
		logger:   r.logger.With("session", id),
		send:     make(chan []byte, r.opts.SendQueueSize),
		owned:    make(map[uint64]struct{}),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Wait blocks until the session has been torn down and handed back to the room.
func (s *Session) Wait() {
	<-s.finished
}

func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
}

// enqueue never blocks the room. It returns false when the queue is full or the session is already closed.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.logger.Warn("send queue full, dropping session", "capacity", cap(s.send))
		return false
	}
}

func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer close(s.finished)
	defer s.room.post(func() { s.room.detach(s) })
	defer s.terminate()

	limit := s.room.opts.MaxFrameBytes
	for {
		messageType, reader, err := s.conn.NextReader()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("read failed", "err", err)
				}
			}
			return
		}
		frame, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
		if err != nil {
			s.logger.Warn("read failed", "err", err)
			return
		}
		if len(frame) > limit {
			n, _ := io.Copy(io.Discard, reader)
			s.logger.Warn("dropping oversized frame", "bytes", int64(len(frame))+n, "limit", limit)
			continue
		}
		msg, err := protocol.DecodeFrame(messageType, frame, limit)
		if err != nil {
			s.logger.Debug("dropping frame", "err", err)
			continue
		}
		s.room.post(func() { s.room.handle(s, msg) })
	}
}

func (s *Session) writeLoop() {
	var ping <-chan time.Time
	if s.room.opts.PingInterval > 0 {
		t := time.NewTicker(s.room.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.send:
			if err := s.write(websocket.BinaryMessage, frame); err != nil {
				s.logger.Warn("write failed, closing session", "err", err)
				s.terminate()
				return
			}
		case <-ping:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed, closing session", "err", err)
				s.terminate()
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.room.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}
