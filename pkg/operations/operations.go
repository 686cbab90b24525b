// Package operations implements the request driven operations on shared documents: flush,
// snapshot and restore. Each one works through a direct connection to the collaboration server.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/newsdoc-sync/pkg/cache"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidUpdate = errors.New("invalid update")
)

type Options struct {
	Status string
	Cause  string
}

type RestoreResult struct {
	UUID    string `json:"uuid"`
	Version int64  `json:"version"`
}

type Operations struct {
	server      *collab.Server
	snapshotter *snapshot.Snapshotter
	repository  repository.Repository
	cache       cache.Store
	logger      *slog.Logger
}

// New wires the operations. store may be nil when no cache is configured.
func New(server *collab.Server, s *snapshot.Snapshotter, repo repository.Repository, store cache.Store, logger *slog.Logger) *Operations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Operations{server: server, snapshotter: s, repository: repo, cache: store, logger: logger}
}

// open starts a direct connection that acts for the caller as the server agent.
func (o *Operations) open(ctx context.Context, name string, cctx *collab.Context) (*collab.DirectConnection, error) {
	if !cctx.Valid() {
		return nil, ErrUnauthorized
	}
	dc, err := o.server.OpenDirectConnection(ctx, name, collab.Context{
		Agent:       collab.AgentServer,
		AccessToken: cctx.AccessToken,
		User:        cctx.User,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return dc, nil
}

func (o *Operations) close(ctx context.Context, dc *collab.DirectConnection, name string) {
	if err := dc.Disconnect(ctx); err != nil {
		o.logger.Error("failed to close direct connection", "document", name, "err", err)
	}
}

func applyUpdate(dc *collab.DirectConnection, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if _, err := dc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	return nil
}

// Flush applies update, if any, and saves the document to the repository whether or not its
// content changed. An empty document is never saved; the result is then "snapshot not necessary".
func (o *Operations) Flush(ctx context.Context, cctx *collab.Context, name string, update []byte, opts Options) (snapshot.Result, error) {
	return o.write(ctx, cctx, name, update, snapshot.Options{Status: opts.Status, Cause: opts.Cause, Force: true})
}

// Snapshot applies update, if any, and saves the document when its content changed.
func (o *Operations) Snapshot(ctx context.Context, cctx *collab.Context, name string, update []byte, opts Options) (snapshot.Result, error) {
	return o.write(ctx, cctx, name, update, snapshot.Options{Status: opts.Status, Cause: opts.Cause})
}

func (o *Operations) write(ctx context.Context, cctx *collab.Context, name string, update []byte, opts snapshot.Options) (snapshot.Result, error) {
	dc, err := o.open(ctx, name, cctx)
	if err != nil {
		return snapshot.Result{}, err
	}
	defer o.close(ctx, dc, name)

	if err := applyUpdate(dc, update); err != nil {
		return snapshot.Result{}, err
	}
	return o.snapshotter.Snapshot(ctx, name, dc, *cctx, opts)
}

// Restore replaces the live document with a repository version (the latest when version is 0)
// and overwrites the cache entry with the result.
func (o *Operations) Restore(ctx context.Context, cctx *collab.Context, name string, version int64) (RestoreResult, error) {
	if !cctx.Valid() {
		return RestoreResult{}, ErrUnauthorized
	}
	doc, version, err := o.repository.GetDocument(ctx, cctx.AccessToken, name, version)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("failed to fetch %s: %w", name, err)
	}

	dc, err := o.open(ctx, name, cctx)
	if err != nil {
		return RestoreResult{}, err
	}
	defer o.close(ctx, dc, name)

	if err := dc.Transact("restore", func(tx *shareddoc.Tx) error {
		return snapshot.Populate(tx, *doc, o.snapshotter.Registry(), version)
	}); err != nil {
		return RestoreResult{}, fmt.Errorf("failed to restore %s: %w", name, err)
	}
	if o.cache != nil {
		if err := o.cache.Store(ctx, name, dc.Document().Save()); err != nil {
			o.logger.Error("failed to overwrite cache", "document", name, "err", err)
		}
	}
	o.logger.Info("restored document", "document", name, "version", version)
	return RestoreResult{UUID: doc.UUID, Version: version}, nil
}

// Read runs fn against the document through a direct connection, loading it when cold.
func (o *Operations) Read(ctx context.Context, cctx *collab.Context, name string, fn func(doc *shareddoc.Document) error) error {
	dc, err := o.open(ctx, name, cctx)
	if err != nil {
		return err
	}
	defer o.close(ctx, dc, name)
	return fn(dc.Document())
}
