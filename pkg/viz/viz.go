// Package viz draws the change graph of a document: one node per change, one edge per dependency.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// MaxValueLabels caps how many nodes are labelled with the value at a path, since each label needs a fork of the
// document at that change.
const MaxValueLabels = 500

// Render writes the change graph of doc to w as SVG. When path is not empty each node is also labelled with the json
// value found at path as of that change.
func Render(w io.Writer, doc *automerge.Doc, path ...any) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	nodes := make(map[automerge.ChangeHash]*cgraph.Node, len(changes))
	edges := 0
	for i, change := range changes {
		label := fmt.Sprintf("%s\\n%.8s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
		if len(path) > 0 && i < MaxValueLabels {
			value, err := valueAt(doc, change.Hash(), path)
			if err != nil {
				return err
			}
			label += "\\n" + value
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodes[change.Hash()] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(fmt.Sprintf("e%d", edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func valueAt(doc *automerge.Doc, hash automerge.ChangeHash, path []any) (string, error) {
	at, err := doc.Fork(hash)
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	var raw any
	if v, err := at.Path(path...).Get(); err == nil {
		raw = v.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value at %s: %w", hash, err)
	}
	return string(encoded), nil
}

// RenderFile is Render into a file at outputPath.
func RenderFile(doc *automerge.Doc, outputPath string, path ...any) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	if err := Render(f, doc, path...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
