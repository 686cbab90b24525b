package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/newsdoc-sync/pkg/cache"
	"github.com/astromechza/newsdoc-sync/pkg/contenthash"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
	"github.com/astromechza/newsdoc-sync/pkg/viz"
)

const usage = `Inspect stored collaboration documents.

Documents are read either from a state file, as written by newsdoc-client --dump or the
/documents/<uuid>/state endpoint, or straight from the collaboration cache database.

Usage:
    newsdoc-inspect show (<file> | --cache-db=<path> <uuid>)
    newsdoc-inspect hash (<file> | --cache-db=<path> <uuid>)
    newsdoc-inspect history (<file> | --cache-db=<path> <uuid>) [--graph]

Options:
    -h --help            Show this screen.
    --cache-db=<path>    The sqlite cache database of a collaboration server.
    --graph              Also render the change graph to an svg in the temp directory.`

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
	doc, err := loadDocument(opts)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "heads", doc.Heads())

	if show, _ := opts.Bool("show"); show {
		return showDocument(doc)
	} else if hash, _ := opts.Bool("hash"); hash {
		return hashDocument(doc)
	}
	graph, _ := opts.Bool("--graph")
	return showHistory(doc, graph)
}

func loadDocument(opts docopt.Opts) (*shareddoc.Document, error) {
	var raw []byte
	if path, err := opts.String("<file>"); err == nil && path != "" {
		if raw, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	} else {
		dbPath, _ := opts.String("--cache-db")
		id, _ := opts.String("<uuid>")
		ctx := context.Background()
		store, err := cache.OpenSQLite(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		if raw, err = store.Get(ctx, id); err != nil {
			return nil, err
		} else if raw == nil {
			return nil, fmt.Errorf("document %s is not cached", id)
		}
	}
	doc, err := shareddoc.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

func showDocument(doc *shareddoc.Document) error {
	return doc.View(func(tx *shareddoc.Tx) error {
		if tx.IsEmpty() {
			return fmt.Errorf("document is empty")
		}
		d, err := tx.Document(transform.Default())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	})
}

func hashDocument(doc *shareddoc.Document) error {
	return doc.View(func(tx *shareddoc.Tx) error {
		d, err := tx.Document(transform.Default())
		if err != nil {
			return err
		}
		canonical, err := contenthash.Canonical(d)
		if err != nil {
			return err
		}
		fmt.Println(canonical)
		fmt.Printf("hash: %d\n", contenthash.HashDocument(d))
		if h, v, ok, err := tx.Original(); err != nil {
			return err
		} else if ok {
			fmt.Printf("original: %d@%d\n", h, v)
		}
		return nil
	})
}

func showHistory(doc *shareddoc.Document, graph bool) error {
	history, err := doc.History()
	if err != nil {
		return err
	}
	for i, entry := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", entry.Hash, "actor", entry.Actor, "dep", entry.Dependencies)
		fmt.Println(viz.Label(entry))
	}
	if graph {
		tf, err := viz.RenderToTemp(doc)
		if err != nil {
			return err
		}
		slog.Info("rendered graph", "file", tf)
	}
	return nil
}
