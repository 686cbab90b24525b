package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
)

// DirectConnection gives server side code access to a live (or freshly loaded) document outside
// of any client session. Changes are pushed to connected clients straight away; the store hooks
// run when the direct connection is closed.
type DirectConnection struct {
	s    *Server
	d    *document
	cctx Context

	mu     sync.Mutex
	dirty  bool
	closed bool
}

func (s *Server) OpenDirectConnection(ctx context.Context, name string, cctx Context) (*DirectConnection, error) {
	d, err := s.acquire(ctx, name, &cctx, func(d *document) {
		d.directs++
	})
	dc := &DirectConnection{s: s, d: d, cctx: cctx}
	if err != nil {
		if d != nil {
			dc.release()
		}
		return nil, err
	}
	return dc, nil
}

func (dc *DirectConnection) Context() Context {
	return dc.cctx
}

func (dc *DirectConnection) Document() *shareddoc.Document {
	return dc.d.doc
}

func (dc *DirectConnection) View(fn func(tx *shareddoc.Tx) error) error {
	return dc.d.doc.View(fn)
}

// Transact runs fn as a transaction on the shared document and notifies the clients.
func (dc *DirectConnection) Transact(message string, fn func(tx *shareddoc.Tx) error) error {
	before := dc.d.doc.Heads()
	err := dc.d.doc.Transact(message, fn)
	dc.afterChange(before)
	return err
}

// ApplyUpdate merges an encoded automerge update into the shared document.
func (dc *DirectConnection) ApplyUpdate(update []byte) (bool, error) {
	changed, err := dc.d.doc.ApplyUpdate(update)
	if err != nil {
		return false, err
	}
	if changed {
		dc.markChanged()
	}
	return changed, nil
}

func (dc *DirectConnection) afterChange(before []string) {
	if !sameHeadStrings(before, dc.d.doc.Heads()) {
		dc.markChanged()
	}
}

func (dc *DirectConnection) markChanged() {
	dc.mu.Lock()
	dc.dirty = true
	dc.mu.Unlock()

	dc.s.mu.Lock()
	dc.d.lastContext = dc.cctx
	for c := range dc.d.clients {
		c.wake()
	}
	dc.s.mu.Unlock()
}

// Disconnect runs the store hooks immediately when the document changed, replacing any pending
// debounced store, and releases the document.
func (dc *DirectConnection) Disconnect(ctx context.Context) error {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return fmt.Errorf("direct connection to %s already closed", dc.d.name)
	}
	dc.closed = true
	dirty := dc.dirty
	dc.mu.Unlock()

	if dirty {
		dc.s.metrics.StoreEvents.Inc()
		dc.s.store.Cancel(dc.d.name)
		dc.s.runStoreAs(ctx, dc.d, dc.cctx)
	}
	dc.release()
	return nil
}

func (dc *DirectConnection) release() {
	dc.s.mu.Lock()
	defer dc.s.mu.Unlock()
	dc.d.directs--
	dc.s.releaseLocked(dc.d)
}
