package extensions

import (
	"context"
	"log/slog"

	"github.com/astromechza/newsdoc-sync/pkg/cache"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
)

// Cache loads documents from and stores them to a cache. Cache failures are logged and never
// reach the connection.
type Cache struct {
	Store   cache.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Cache) failed(op string) {
	if c.Metrics != nil {
		c.Metrics.CacheErrors.WithLabelValues(op).Inc()
	}
}

func (c *Cache) OnLoadDocument(ctx context.Context, p collab.LoadPayload) error {
	state, err := c.Store.Get(ctx, p.DocumentName)
	if err != nil {
		c.failed("get")
		c.logger().Error("failed to read cache", "document", p.DocumentName, "err", err)
		return nil
	}
	if state == nil {
		return nil
	}
	if _, err := p.Document.ApplyUpdate(state); err != nil {
		c.failed("apply")
		c.logger().Error("failed to apply cached state", "document", p.DocumentName, "err", err)
		return nil
	}
	p.Context.LoadedFromCache = true
	return nil
}

func (c *Cache) OnStoreDocument(ctx context.Context, p collab.StorePayload) error {
	if err := c.Store.Store(ctx, p.DocumentName, p.Document.Save()); err != nil {
		c.failed("store")
		c.logger().Error("failed to write cache", "document", p.DocumentName, "err", err)
	}
	return nil
}
