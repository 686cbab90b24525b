package extensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

// RepositoryLoader fills documents the cache knew nothing about with the latest repository
// version. It must be configured after Cache.
type RepositoryLoader struct {
	Repository repository.Repository
	Registry   *transform.Registry
	Logger     *slog.Logger
}

// OnLoadDocument fails the load when the repository cannot be reached, so that an empty document
// is never snapshotted over a stored one.
func (l *RepositoryLoader) OnLoadDocument(ctx context.Context, p collab.LoadPayload) error {
	if p.Context.LoadedFromCache {
		return nil
	}
	if _, err := uuid.Parse(p.DocumentName); err != nil {
		return nil
	}
	doc, version, err := l.Repository.GetDocument(ctx, p.Context.AccessToken, p.DocumentName, 0)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load from repository: %w", err)
	}
	reg := l.Registry
	if reg == nil {
		reg = transform.Default()
	}
	if err := p.Document.Transact("load from repository", func(tx *shareddoc.Tx) error {
		if !tx.IsEmpty() {
			return nil
		}
		return snapshot.Populate(tx, *doc, reg, version)
	}); err != nil {
		return fmt.Errorf("failed to populate %s: %w", p.DocumentName, err)
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("loaded document from repository", "document", p.DocumentName, "version", version)
	return nil
}
