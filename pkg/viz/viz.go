// Package viz renders the change graph of a shared document.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
)

// Label is the node label used for a change: short hash, actor, sequence number, message and
// the document title as of that change.
func Label(e shareddoc.HistoryEntry) string {
	hash := e.Hash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	actor := e.Actor
	if len(actor) > 8 {
		actor = actor[:8]
	}
	return fmt.Sprintf("%s %s@%d %s\n%q", hash, actor, e.Seq, e.Message, e.Title)
}

// RenderHistory writes the change graph as SVG.
func RenderHistory(history []shareddoc.HistoryEntry, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(history))
	edgeCounter := 0
	for _, entry := range history {
		n, err := graph.CreateNode(entry.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(entry))
		nodeMap[entry.Hash] = n

		for _, dep := range entry.Dependencies {
			parent, ok := nodeMap[dep]
			if !ok {
				return fmt.Errorf("change %s depends on unknown change %s", entry.Hash, dep)
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = w.Write(buff.Bytes())
	return err
}

// RenderToTemp renders the change graph of doc into a new file in the temp directory and returns
// its path.
func RenderToTemp(doc *shareddoc.Document) (string, error) {
	history, err := doc.History()
	if err != nil {
		return "", err
	}
	var buff bytes.Buffer
	if err := RenderHistory(history, &buff); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := os.WriteFile(tf, buff.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tf, err)
	}
	return tf, nil
}
