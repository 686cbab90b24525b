package extensions

import (
	"context"
	"log/slog"
	"time"

	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/debounce"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
)

// TrackerDocument is the shared document that tracks open documents. It has no content of its own.
const TrackerDocument = "document-tracker"

const snapshotTimeout = 30 * time.Second

// Snapshot debounces repository snapshots of stored documents.
type Snapshot struct {
	snapshotter *snapshot.Snapshotter
	debouncer   *debounce.Debouncer
	logger      *slog.Logger
}

func NewSnapshot(s *snapshot.Snapshotter, wait, maxWait time.Duration, m *metrics.Metrics, logger *slog.Logger, opts ...debounce.Option) *Snapshot {
	if logger == nil {
		logger = slog.Default()
	}
	d := debounce.New(wait, maxWait, opts...)
	if m != nil {
		d.OnChange = func(pending int) {
			m.PendingSnapshots.Set(float64(pending))
		}
	}
	return &Snapshot{snapshotter: s, debouncer: d, logger: logger}
}

// Eligible reports whether stores of a document under cctx lead to repository snapshots.
// Tracker documents, server side changes and a user's own document are never snapshotted.
func Eligible(name string, cctx collab.Context) bool {
	switch {
	case name == TrackerDocument:
		return false
	case cctx.Agent == collab.AgentServer:
		return false
	case cctx.User.Sub != "" && cctx.User.Sub == name:
		return false
	}
	return true
}

// storedDocument records snapshot hashes through the server so the stored state carries them.
type storedDocument struct {
	doc      *shareddoc.Document
	transact func(message string, fn func(tx *shareddoc.Tx) error) error
}

func (s storedDocument) View(fn func(tx *shareddoc.Tx) error) error {
	return s.doc.View(fn)
}

func (s storedDocument) Transact(message string, fn func(tx *shareddoc.Tx) error) error {
	if s.transact == nil {
		return s.doc.Transact(message, fn)
	}
	return s.transact(message, fn)
}

// OnStoreDocument replaces any pending snapshot of the document with one bound to this store.
// Replacing keeps the burst's hard cap, cancelling would restart it.
func (e *Snapshot) OnStoreDocument(_ context.Context, p collab.StorePayload) error {
	if !Eligible(p.DocumentName, p.Context) {
		return nil
	}
	name, cctx := p.DocumentName, p.Context
	target := storedDocument{doc: p.Document, transact: p.Transact}
	e.debouncer.Schedule(name, func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		res, err := e.snapshotter.Snapshot(ctx, name, target, cctx, snapshot.Options{})
		if err != nil {
			e.logger.Error("failed to snapshot document", "document", name, "err", err)
			return
		}
		e.logger.Debug("debounced snapshot", "document", name, "outcome", res.Outcome, "version", res.Version)
	})
	return nil
}

// OnDisconnect flushes the pending snapshot once the last client has left.
func (e *Snapshot) OnDisconnect(_ context.Context, p collab.DisconnectPayload) error {
	if p.ClientsCount == 0 {
		e.debouncer.FlushIfPending(p.DocumentName)
	}
	return nil
}

func (e *Snapshot) Pending(name string) bool {
	return e.debouncer.Pending(name)
}

// FlushAll runs every pending snapshot. Used on shutdown.
func (e *Snapshot) FlushAll() int {
	return e.debouncer.FlushAll()
}
