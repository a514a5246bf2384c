// Package server exposes the room host over HTTP: a websocket endpoint per document plus a few read only views.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-relay/pkg/host"
	"github.com/astromechza/automerge-relay/pkg/storage"
	"github.com/astromechza/automerge-relay/pkg/viz"
)

// OwnerHeader carries the address of the node owning a document when a request reached the wrong node.
const OwnerHeader = "X-Room-Owner"

type Server struct {
	host     *host.Host
	store    storage.Store
	ring     *host.Ring
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(h *host.Host, store storage.Store, ring *host.Ring, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ring == nil {
		ring = host.NewRing("", nil)
	}
	return &Server{
		host:  h,
		store: store,
		ring:  ring,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)

	docs := r.PathPrefix("/docs/{doc}").Subrouter()
	docs.Use(s.placement)
	docs.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.syncDoc)
	docs.Methods(http.MethodGet).Path("/latest").HandlerFunc(s.getLatest)
	docs.Methods(http.MethodGet).Path("/graph.svg").HandlerFunc(s.getGraph)
	return r
}

// placement turns away requests for documents another node owns.
func (s *Server) placement(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		docID := mux.Vars(request)["doc"]
		if owner, addr, local := s.ring.Owner(docID); !local {
			writer.Header().Set(OwnerHeader, addr)
			http.Error(writer, "document is owned by "+owner, http.StatusMisdirectedRequest)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func (s *Server) syncDoc(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["doc"]
	// hydrate before upgrading so that a storage failure is still a plain http error
	if _, err := s.host.GetOrActivate(request.Context(), docID); err != nil {
		s.unavailable(writer, docID, err)
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade", "doc", docID, "err", err)
		return
	}
	session, err := s.host.Attach(request.Context(), docID, conn)
	if err != nil {
		s.logger.Error("failed to attach", "doc", docID, "err", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"))
		_ = conn.Close()
		return
	}
	session.Wait()
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["doc"]
	fork, err := s.host.Fork(request.Context(), docID)
	if err != nil {
		s.unavailable(writer, docID, err)
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	if _, err := writer.Write(fork.Save()); err != nil {
		s.logger.Warn("failed to write out", "doc", docID, "err", err)
	}
}

func (s *Server) getGraph(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["doc"]
	fork, err := s.host.Fork(request.Context(), docID)
	if err != nil {
		s.unavailable(writer, docID, err)
		return
	}
	var path []any
	if raw := request.URL.Query().Get("path"); raw != "" {
		for _, p := range strings.Split(raw, ".") {
			path = append(path, p)
		}
	}
	var buff bytes.Buffer
	if err := viz.Render(&buff, fork, path...); err != nil {
		s.logger.Error("failed to render", "doc", docID, "err", err)
		http.Error(writer, "failed to render", http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	_, _ = writer.Write(buff.Bytes())
}

func (s *Server) healthz(writer http.ResponseWriter, request *http.Request) {
	if err := s.store.Ping(request.Context()); err != nil {
		s.logger.Warn("store ping failed", "err", err)
		http.Error(writer, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	_, _ = writer.Write([]byte("ok\n"))
}

func (s *Server) listRooms(writer http.ResponseWriter, request *http.Request) {
	rooms, err := s.host.Rooms(request.Context())
	if err != nil {
		s.unavailable(writer, "", err)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(rooms); err != nil {
		s.logger.Warn("failed to write out", "err", err)
	}
}

func (s *Server) unavailable(writer http.ResponseWriter, docID string, err error) {
	if errors.Is(err, host.ErrShuttingDown) {
		http.Error(writer, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.logger.Error("room unavailable", "doc", docID, "err", err)
	http.Error(writer, "room unavailable", http.StatusServiceUnavailable)
}
