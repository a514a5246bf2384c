package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-relay/pkg/archive"
	"github.com/astromechza/automerge-relay/pkg/config"
	"github.com/astromechza/automerge-relay/pkg/host"
	"github.com/astromechza/automerge-relay/pkg/room"
	"github.com/astromechza/automerge-relay/pkg/server"
	"github.com/astromechza/automerge-relay/pkg/storage/backends"
	"github.com/astromechza/automerge-relay/pkg/updatelog"
)

const version = "0.1.0"

const usage = `Automerge room relay.

Every setting can also be given through the environment, see pkg/config.
Flags take precedence over the environment.

Usage:
    server [--addr=<addr>] [--store=<url>] [--node=<name>] [--cluster=<nodes>]
    server -h | --help
    server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --addr=<addr>      Address to listen on [env RELAY_ADDR].
    --store=<url>      Storage url: memory://, sqlite://path, postgres://..., bolt://path or redis://... [env STORE_URL].
    --node=<name>      Name of this node in the cluster [env NODE_NAME].
    --cluster=<nodes>  Comma separated name=url pairs of every node [env CLUSTER_NODES].`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		return err
	}
	cfg := config.Load()
	if v, _ := opts.String("--addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := opts.String("--store"); v != "" {
		cfg.StoreURL = v
	}
	if v, _ := opts.String("--node"); v != "" {
		cfg.NodeName = v
	}
	if v, _ := opts.String("--cluster"); v != "" {
		cfg.ClusterNodes = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodes, err := host.ParseNodes(cfg.ClusterNodes)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		if _, ok := nodes[cfg.NodeName]; !ok {
			return fmt.Errorf("node %q is not part of the cluster", cfg.NodeName)
		}
	}
	ring := host.NewRing(cfg.NodeName, nodes)

	slog.Info("Opening store", "url", cfg.StoreURL)
	store, err := backends.Open(ctx, cfg.StoreURL)
	if err != nil {
		return err
	}
	defer store.Close()

	roomOpts := room.Options{
		MaxFrameBytes:     cfg.MaxFrameBytes,
		SendQueueSize:     cfg.SendQueueSize,
		WriteTimeout:      cfg.WriteTimeout,
		PingInterval:      cfg.PingInterval,
		AwarenessTimeout:  cfg.AwarenessTimeout,
		IdleRetryInterval: cfg.IdleRetryInterval,
	}
	if cfg.Archive.Enabled() {
		archiver, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		roomOpts.Archiver = archiver
		slog.Info("Archiving snapshots", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	h := host.New(store, host.Options{
		Policy: updatelog.Policy{MaxBytes: cfg.CompactionMaxBytes, MaxCount: cfg.CompactionMaxUpdateCount},
		Room:   roomOpts,
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(h, store, ring, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("Listening", "addr", cfg.Addr, "node", cfg.NodeName, "nodes", len(nodes))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hostErr := h.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
		return hostErr
	})
	return eg.Wait()
}
