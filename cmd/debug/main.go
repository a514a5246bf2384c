package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/docopt/docopt-go"

	"github.com/astromechza/automerge-relay/pkg/storage/backends"
	"github.com/astromechza/automerge-relay/pkg/updatelog"
	"github.com/astromechza/automerge-relay/pkg/viz"
)

const usage = `Inspect a document.

Reads the document either from a relay store (snapshot plus update log) or from a saved file, then logs its
contents and changes.

Usage:
    debug --store=<url> <doc> [--graph=<file>] [--path=<path>]
    debug --file=<file> [--graph=<file>] [--path=<path>]
    debug -h | --help

Options:
    -h --help       Show this screen.
    --store=<url>   Storage url, as for the server.
    --file=<file>   A saved document, as served by /docs/<doc>/latest.
    --graph=<file>  Also render the change graph as svg to this file.
    --path=<path>   Dot separated path whose value labels each change in the graph.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return err
	}
	ctx := context.Background()

	var doc *automerge.Doc
	if file, _ := opts.String("--file"); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		if doc, err = automerge.Load(raw); err != nil {
			return fmt.Errorf("failed to load doc: %w", err)
		}
	} else {
		storeURL, _ := opts.String("--store")
		docID, _ := opts.String("<doc>")
		if doc, err = loadFromStore(ctx, storeURL, docID); err != nil {
			return err
		}
	}

	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "seq", change.ActorSeq(), "dep", change.Dependencies())
	}

	if graph, _ := opts.String("--graph"); graph != "" {
		var path []any
		if raw, _ := opts.String("--path"); raw != "" {
			for _, p := range strings.Split(raw, ".") {
				path = append(path, p)
			}
		}
		if err := viz.RenderFile(doc, graph, path...); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+graph)
	}
	return nil
}

func loadFromStore(ctx context.Context, storeURL, docID string) (*automerge.Doc, error) {
	store, err := backends.Open(ctx, storeURL)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	log := updatelog.New(store, docID, updatelog.Policy{}, slog.Default())
	d, err := log.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("log", "stats", log.Stats())
	doc, err := d.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	return doc, nil
}
