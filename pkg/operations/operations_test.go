package operations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/newsdoc-sync/pkg/auth"
	"github.com/astromechza/newsdoc-sync/pkg/cache"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/extensions"
	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

type fixture struct {
	ops    *Operations
	server *collab.Server
	repo   *repository.SQLite
	cache  *cache.Memory
}

func newFixture(t *testing.T) *fixture {
	repo, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "repo.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	store := cache.NewMemory()
	server := collab.NewServer(collab.Options{Extensions: []any{
		&extensions.Cache{Store: store},
		&extensions.RepositoryLoader{Repository: repo},
	}})
	return &fixture{
		ops:    New(server, snapshot.New(repo, nil, nil, nil), repo, store, nil),
		server: server,
		repo:   repo,
		cache:  store,
	}
}

var editor = &collab.Context{Agent: collab.AgentUser, AccessToken: "token", User: auth.User{Sub: "core://user/1"}}

func testDocument(title string) newsdoc.Document {
	doc := newsdoc.NewDocument("core/article", title, "en")
	doc.Content = []newsdoc.Block{{ID: "p1", Type: transform.TypeText, Data: map[string]string{"text": "body"}}}
	return doc
}

func cachedTitle(t *testing.T, store cache.Store, name string) string {
	raw, err := store.Get(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, raw)
	doc, err := shareddoc.Load(raw)
	require.NoError(t, err)
	var title string
	require.NoError(t, doc.View(func(tx *shareddoc.Tx) error {
		g, _, err := tx.Grouped()
		title = g.Title
		return err
	}))
	return title
}

func TestRequiresContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, cctx := range []*collab.Context{nil, {}, {Agent: collab.AgentUser}} {
		_, err := f.ops.Flush(ctx, cctx, "doc", nil, Options{})
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = f.ops.Snapshot(ctx, cctx, "doc", nil, Options{})
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = f.ops.Restore(ctx, cctx, "doc", 0)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.False(t, f.server.Loaded("doc"))
}

func TestRestoreSnapshotAndFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nd := testDocument("first")
	_, err := f.repo.SaveDocument(ctx, "", nd, repository.SaveOptions{})
	require.NoError(t, err)
	nd.Title = "second"
	_, err = f.repo.SaveDocument(ctx, "", nd, repository.SaveOptions{})
	require.NoError(t, err)

	res, err := f.ops.Restore(ctx, editor, nd.UUID, 1)
	require.NoError(t, err)
	assert.Equal(t, RestoreResult{UUID: nd.UUID, Version: 1}, res)
	assert.Equal(t, "first", cachedTitle(t, f.cache, nd.UUID))
	assert.False(t, f.server.Loaded(nd.UUID))

	// the restored content matches version 1, nothing to snapshot
	snap, err := f.ops.Snapshot(ctx, editor, nd.UUID, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, snapshot.OutcomeNotNecessary, snap.Outcome)
	assert.Equal(t, int64(1), snap.Version)

	// an editor sends its local edit along with the flush
	raw, err := f.cache.Get(ctx, nd.UUID)
	require.NoError(t, err)
	local, err := shareddoc.Load(raw)
	require.NoError(t, err)
	require.NoError(t, local.Transact("edit", func(tx *shareddoc.Tx) error {
		return tx.SetTitle("third")
	}))

	snap, err = f.ops.Flush(ctx, editor, nd.UUID, local.Save(), Options{Status: "usable", Cause: "publish"})
	require.NoError(t, err)
	assert.Equal(t, snapshot.Result{Outcome: snapshot.OutcomeTaken, UUID: nd.UUID, Version: 3}, snap)

	stored, version, err := f.repo.GetDocument(ctx, "", nd.UUID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, "third", stored.Title)
	assert.Equal(t, "third", cachedTitle(t, f.cache, nd.UUID))

	statuses, err := f.repo.GetStatuses(ctx, "", nd.UUID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "usable", statuses[0].Name)
	assert.Equal(t, int64(3), statuses[0].Version)

	// flush saves even without changes
	snap, err = f.ops.Flush(ctx, editor, nd.UUID, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
}

func TestColdSnapshotLoadsFromRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nd := testDocument("stored")
	_, err := f.repo.SaveDocument(ctx, "", nd, repository.SaveOptions{})
	require.NoError(t, err)

	snap, err := f.ops.Snapshot(ctx, editor, nd.UUID, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, snapshot.OutcomeNotNecessary, snap.Outcome)
}

func TestFlushOfEmptyDocumentSavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := "3e1f6a52-5b7c-4f0e-a7c2-9d8e1b2c3d4f"

	snap, err := f.ops.Flush(ctx, editor, id, nil, Options{Status: "usable"})
	require.NoError(t, err)
	assert.Equal(t, snapshot.Result{Outcome: snapshot.OutcomeNotNecessary}, snap)

	_, _, err = f.repo.GetDocument(ctx, "", id, 0)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInvalidUpdate(t *testing.T) {
	f := newFixture(t)
	_, err := f.ops.Flush(context.Background(), editor, "doc", []byte("garbage"), Options{})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	assert.False(t, f.server.Loaded("doc"))
}

func TestRestoreUnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.ops.Restore(context.Background(), editor, "0b0e9c1e-0d9a-4a43-9b4e-5d1f7f3c1a22", 0)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nd := testDocument("stored")
	_, err := f.repo.SaveDocument(ctx, "", nd, repository.SaveOptions{})
	require.NoError(t, err)

	var got newsdoc.Document
	require.NoError(t, f.ops.Read(ctx, editor, nd.UUID, func(doc *shareddoc.Document) error {
		return doc.View(func(tx *shareddoc.Tx) error {
			got, err = tx.Document(transform.Default())
			return err
		})
	}))
	assert.Equal(t, nd, got)
	assert.False(t, f.server.Loaded(nd.UUID))

	err = f.ops.Read(ctx, nil, nd.UUID, func(*shareddoc.Document) error { return nil })
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDebouncedSnapshotHashReachesCache(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "repo.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	store := cache.NewMemory()
	snapshotter := snapshot.New(repo, nil, nil, nil)
	server := collab.NewServer(collab.Options{
		Extensions: []any{
			&extensions.Cache{Store: store},
			&extensions.RepositoryLoader{Repository: repo},
			extensions.NewSnapshot(snapshotter, time.Hour, 2*time.Hour, nil, nil),
		},
		StoreWait:    10 * time.Millisecond,
		StoreMaxWait: 50 * time.Millisecond,
	})
	ops := New(server, snapshotter, repo, store, nil)

	nd := testDocument("first")
	_, err = repo.SaveDocument(ctx, "", nd, repository.SaveOptions{})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleConnection(w, r, nd.UUID)
	}))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
		srv.Close()
	})

	local := shareddoc.New()
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := collab.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http"), "token", local)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()

	titleOf := func(doc *shareddoc.Document) string {
		var title string
		_ = doc.View(func(tx *shareddoc.Tx) error {
			g, _, err := tx.Grouped()
			title = g.Title
			return err
		})
		return title
	}
	require.Eventually(t, func() bool { return titleOf(local) == "first" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, local.Transact("edit", func(tx *shareddoc.Tx) error {
		return tx.SetTitle("edited")
	}))
	client.Changed()
	require.Eventually(t, func() bool {
		raw, err := store.Get(ctx, nd.UUID)
		if err != nil || raw == nil {
			return false
		}
		cached, err := shareddoc.Load(raw)
		return err == nil && titleOf(cached) == "edited"
	}, 5*time.Second, 10*time.Millisecond)

	// the last client leaving takes the pending snapshot
	client.Close()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return !server.Loaded(nd.UUID) }, 5*time.Second, 10*time.Millisecond)

	stored, version, err := repo.GetDocument(ctx, "", nd.UUID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, "edited", stored.Title)

	// reloaded from the cache, the unchanged document needs no new version
	snap, err := ops.Snapshot(ctx, editor, nd.UUID, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, snapshot.OutcomeNotNecessary, snap.Outcome)
	assert.Equal(t, int64(2), snap.Version)

	_, version, err = repo.GetDocument(ctx, "", nd.UUID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}
