// Package snapshot writes shared documents to the repository when their content changed.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/contenthash"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

type Outcome string

const (
	OutcomeTaken        Outcome = "snapshot taken"
	OutcomeNotNecessary Outcome = "snapshot not necessary"
	outcomeError        Outcome = "error"
)

type Options struct {
	Status string
	Cause  string
	// Force saves even when the content hash matches the last saved version.
	Force bool
}

type Result struct {
	Outcome Outcome `json:"outcome"`
	UUID    string  `json:"uuid,omitempty"`
	Version int64   `json:"version,omitempty"`
}

type Snapshotter struct {
	repository repository.Repository
	registry   *transform.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(repo repository.Repository, reg *transform.Registry, m *metrics.Metrics, logger *slog.Logger) *Snapshotter {
	if reg == nil {
		reg = transform.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{repository: repo, registry: reg, metrics: m, logger: logger}
}

func (s *Snapshotter) Registry() *transform.Registry {
	return s.registry
}

// Target is what a snapshot reads from and records the saved hash on. A *shareddoc.Document works
// on its own; server code passes a target whose Transact also stores the change, so caches see the
// recorded hash.
type Target interface {
	View(fn func(tx *shareddoc.Tx) error) error
	Transact(message string, fn func(tx *shareddoc.Tx) error) error
}

// Snapshot converts doc to a newsdoc document and saves it with the access token of cctx, unless
// its content hash equals the one recorded for the last saved or loaded version.
func (s *Snapshotter) Snapshot(ctx context.Context, name string, doc Target, cctx collab.Context, opts Options) (Result, error) {
	var (
		nd       newsdoc.Document
		empty    bool
		recorded int32
		version  int64
		ok       bool
	)
	if err := doc.View(func(tx *shareddoc.Tx) error {
		if empty = tx.IsEmpty(); empty {
			return nil
		}
		var err error
		if nd, err = tx.Document(s.registry); err != nil {
			return err
		}
		recorded, version, ok, err = tx.Original()
		return err
	}); err != nil {
		s.metrics.Snapshots.WithLabelValues(string(outcomeError)).Inc()
		return Result{}, fmt.Errorf("failed to read document %s: %w", name, err)
	}
	if empty {
		s.metrics.Snapshots.WithLabelValues(string(OutcomeNotNecessary)).Inc()
		return Result{Outcome: OutcomeNotNecessary}, nil
	}

	hash := contenthash.HashDocument(nd)
	if ok && hash == recorded && !opts.Force {
		s.metrics.Snapshots.WithLabelValues(string(OutcomeNotNecessary)).Inc()
		return Result{Outcome: OutcomeNotNecessary, UUID: nd.UUID, Version: version}, nil
	}

	res, err := s.repository.SaveDocument(ctx, cctx.AccessToken, nd, repository.SaveOptions{Status: opts.Status, Cause: opts.Cause})
	if err != nil {
		s.metrics.Snapshots.WithLabelValues(string(outcomeError)).Inc()
		return Result{}, fmt.Errorf("failed to snapshot %s: %w", name, err)
	}
	if err := doc.Transact("snapshot", func(tx *shareddoc.Tx) error {
		return tx.SetOriginal(hash, res.Version)
	}); err != nil {
		s.logger.Error("failed to record snapshot hash", "document", name, "err", err)
	}
	s.metrics.Snapshots.WithLabelValues(string(OutcomeTaken)).Inc()
	s.logger.Info("snapshot taken", "document", name, "version", res.Version, "status", opts.Status)
	return Result{Outcome: OutcomeTaken, UUID: res.UUID, Version: res.Version}, nil
}

// Populate replaces the state of tx with doc and records its hash and version, so that an
// unchanged document is not saved again.
func Populate(tx *shareddoc.Tx, doc newsdoc.Document, reg *transform.Registry, version int64) error {
	if err := tx.SetDocument(doc, reg); err != nil {
		return err
	}
	stored, err := tx.Document(reg)
	if err != nil {
		return err
	}
	return tx.SetOriginal(contenthash.HashDocument(stored), version)
}
