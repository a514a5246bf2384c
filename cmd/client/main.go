package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/protocol"
)

const usage = `Relay demo client. Joins a document and keeps incrementing a shared counter.

Usage:
    client [--addr=<addr>] [--doc=<doc>] [--name=<name>]
    client -h | --help

Options:
    -h --help      Show this screen.
    --addr=<addr>  The relay address [default: 127.0.0.1:8080].
    --doc=<doc>    The document to join [default: default].
    --name=<name>  The name announced to other clients.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return err
	}
	addr, _ := opts.String("--addr")
	docID, _ := opts.String("--doc")
	name, _ := opts.String("--name")
	if name == "" {
		name = fmt.Sprintf("client-%d", os.Getpid())
	}

	u, err := url.Parse("ws://" + addr)
	if err != nil {
		return err
	}
	doc := automerge.New()
	_ = doc.SetActorID(hex.EncodeToString([]byte(fmt.Sprintf("%d", os.Getpid()))))
	c := &client{
		syncUrl:  u.JoinPath("docs", docID, "sync"),
		doc:      doc,
		name:     name,
		clientID: rand.Uint64() >> 11,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.connectContinuously(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.incrementRandomlyContinuously(ctx)
	}()

	<-ctx.Done()
	slog.Info("Signal caught")
	wg.Wait()

	tf := filepath.Join(os.TempDir(), doc.ActorID()+".automerge")
	if err := os.WriteFile(tf, c.save(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

// client shares one document and one connection between the reader and the incrementer. mu guards both, since a
// websocket allows a single concurrent writer.
type client struct {
	syncUrl  *url.URL
	name     string
	clientID uint64

	mu    sync.Mutex
	doc   *automerge.Doc
	conn  *websocket.Conn
	clock uint64
}

func (c *client) save() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Save()
}

func (c *client) connectContinuously(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := c.connectAndSync(ctx); err != nil {
			slog.Error("sync failed", "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping sync")
			return
		}
	}
}

func (c *client) connectAndSync(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.syncUrl.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "url", c.syncUrl.String())

	c.mu.Lock()
	c.conn = conn
	err = c.hello()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		c.mu.Lock()
		_ = c.announce(false)
		c.conn = nil
		c.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		msg, err := protocol.DecodeFrame(mt, frame, 0)
		if err != nil {
			slog.Warn("ignoring message", "err", err)
			continue
		}
		c.mu.Lock()
		err = c.handle(msg)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// hello asks the relay for everything it has and announces our presence. Callers hold mu.
func (c *client) hello() error {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncStep1(crdt.EncodeStateVector(c.doc.Heads()))); err != nil {
		return fmt.Errorf("failed to request state: %w", err)
	}
	return c.announce(true)
}

func (c *client) announce(present bool) error {
	c.clock++
	entry := protocol.AwarenessEntry{ClientID: c.clientID, Clock: c.clock}
	if present {
		value, _ := c.doc.Path("counter").Counter().Get()
		entry.State, _ = json.Marshal(map[string]any{"name": c.name, "counter": value})
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAwareness([]protocol.AwarenessEntry{entry}))
}

func (c *client) handle(msg protocol.Message) error {
	switch {
	case msg.IsStateRequest():
		heads, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			return err
		}
		diff, err := crdt.EncodeChanges(c.doc, heads...)
		if err != nil {
			// the relay knows heads we do not, send everything and let it deduplicate
			if diff, err = crdt.EncodeChanges(c.doc); err != nil {
				return err
			}
		}
		if len(diff) == 0 {
			return nil
		}
		return c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncStep2(diff))
	case msg.IsUpdate():
		if err := crdt.ApplyUpdate(c.doc, msg.Payload); err != nil {
			return err
		}
		value, _ := c.doc.Path("counter").Counter().Get()
		slog.Info("received", "bytes", len(msg.Payload), "value", value)
	case msg.Type == protocol.MessageAwareness:
		for _, e := range msg.Awareness {
			if e.IsNull() {
				slog.Info("peer left", "client", e.ClientID)
			} else {
				slog.Info("peer", "client", e.ClientID, "state", string(e.State))
			}
		}
	}
	return nil
}

func (c *client) incrementRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if err := c.increment(); err != nil {
				slog.Error("failed to increment counter", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled increment")
			return
		}
	}
}

func (c *client) increment() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.doc.Heads()
	if err := c.doc.Path("counter").Counter().Inc(1); err != nil {
		return err
	}
	if _, err := c.doc.Commit("incremented"); err != nil {
		return err
	}
	value, _ := c.doc.Path("counter").Counter().Get()
	slog.Info("incremented", "heads", c.doc.Heads(), "value", value)
	if c.conn == nil {
		// the relay asks for it with its state request after we reconnect
		return nil
	}
	update, err := crdt.EncodeChanges(c.doc, before...)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeUpdate(update)); err != nil {
		return err
	}
	return c.announce(true)
}
