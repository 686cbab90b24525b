package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/newsdoc-sync/pkg/auth"
	"github.com/astromechza/newsdoc-sync/pkg/cache"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/extensions"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
	"github.com/astromechza/newsdoc-sync/pkg/operations"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

var validator = auth.ValidatorFunc(func(_ context.Context, token string) (auth.User, error) {
	if token != "editor" {
		return auth.User{}, auth.ErrAuthentication
	}
	return auth.User{Sub: "core://user/editor"}, nil
})

type fixture struct {
	url  string
	repo *repository.SQLite
	doc  newsdoc.Document
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	repo, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "repo.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	doc := newsdoc.NewDocument("core/article", "stored", "en")
	doc.Content = []newsdoc.Block{{ID: "p1", Type: transform.TypeText, Data: map[string]string{"text": "body"}}}
	_, err = repo.SaveDocument(ctx, "", doc, repository.SaveOptions{})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := cache.NewMemory()
	snapshotter := snapshot.New(repo, nil, m, nil)
	server := collab.NewServer(collab.Options{
		Extensions: []any{
			&extensions.Auth{Validator: validator},
			&extensions.Cache{Store: store, Metrics: m},
			&extensions.RepositoryLoader{Repository: repo},
			extensions.NewSnapshot(snapshotter, time.Hour, time.Hour, m, nil),
		},
		StoreWait:    10 * time.Millisecond,
		StoreMaxWait: time.Second,
		Metrics:      m,
	})
	srv := httptest.NewServer(New(Config{
		Server:     server,
		Operations: operations.New(server, snapshotter, repo, store, nil),
		Repository: repo,
		Validator:  validator,
		Metrics:    m,
		Gatherer:   reg,
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		srv.Close()
	})
	return &fixture{url: srv.URL, repo: repo, doc: doc}
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) (int, []byte) {
	req, err := http.NewRequest(method, f.url+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, raw := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `newsdoc_http_requests_total{route="/healthz",status="200"} 1`)
}

func TestErrors(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		name   string
		method string
		path   string
		token  string
		body   []byte
		code   int
	}{
		{name: "flush without token", method: http.MethodPost, path: "/documents/" + f.doc.UUID + "/flush", code: http.StatusUnauthorized},
		{name: "snapshot with bad token", method: http.MethodPost, path: "/documents/" + f.doc.UUID + "/snapshot", token: "intruder", code: http.StatusUnauthorized},
		{name: "restore without token", method: http.MethodPost, path: "/documents/" + f.doc.UUID + "/restore", code: http.StatusUnauthorized},
		{name: "statuses without token", method: http.MethodGet, path: "/documents/" + f.doc.UUID + "/statuses", code: http.StatusUnauthorized},
		{name: "restore unknown document", method: http.MethodPost, path: "/documents/0b0e9c1e-0d9a-4a43-9b4e-5d1f7f3c1a22/restore", token: "editor", code: http.StatusNotFound},
		{name: "restore bad version", method: http.MethodPost, path: "/documents/" + f.doc.UUID + "/restore?version=abc", token: "editor", code: http.StatusBadRequest},
		{name: "flush garbage update", method: http.MethodPost, path: "/documents/" + f.doc.UUID + "/flush", token: "editor", body: []byte("garbage"), code: http.StatusBadRequest},
		{name: "empty document", method: http.MethodGet, path: "/documents/nothing-here/document", token: "editor", code: http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, raw := f.do(t, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.code, code)
			res := decode[ErrorResponse](t, raw)
			assert.Equal(t, tc.code, res.StatusCode)
			assert.NotEmpty(t, res.StatusMessage)
		})
	}
}

func TestDocumentLifecycle(t *testing.T) {
	f := newFixture(t)
	base := "/documents/" + f.doc.UUID

	code, raw := f.do(t, http.MethodGet, base+"/document", "editor", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	got := decode[DocumentResponse](t, raw)
	assert.Equal(t, f.doc, got.Document)

	code, raw = f.do(t, http.MethodPost, base+"/snapshot", "editor", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, snapshot.Result{Outcome: snapshot.OutcomeNotNecessary, UUID: f.doc.UUID, Version: 1}, decode[snapshot.Result](t, raw))

	// edit through a collaboration session
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	local := shareddoc.New()
	client, err := collab.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+"/collab/"+f.doc.UUID, "editor", local)
	require.NoError(t, err)
	go func() { _ = client.Run(context.Background()) }()
	defer client.Close()
	require.Eventually(t, func() bool {
		var title string
		_ = local.View(func(tx *shareddoc.Tx) error {
			g, _, err := tx.Grouped()
			title = g.Title
			return err
		})
		return title == "stored"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, local.Transact("edit", func(tx *shareddoc.Tx) error {
		return tx.SetTitle("edited")
	}))

	code, raw = f.do(t, http.MethodPost, base+"/flush?status=usable&cause=publish", "editor", local.Save())
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, snapshot.Result{Outcome: snapshot.OutcomeTaken, UUID: f.doc.UUID, Version: 2}, decode[snapshot.Result](t, raw))

	stored, _, err := f.repo.GetDocument(context.Background(), "", f.doc.UUID, 0)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Title)

	code, raw = f.do(t, http.MethodGet, base+"/statuses", "editor", nil)
	require.Equal(t, http.StatusOK, code)
	statuses := decode[map[string][]repository.Status](t, raw)["statuses"]
	require.Len(t, statuses, 1)
	assert.Equal(t, "usable", statuses[0].Name)

	code, raw = f.do(t, http.MethodPost, base+"/restore?version=1", "editor", nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, operations.RestoreResult{UUID: f.doc.UUID, Version: 1}, decode[operations.RestoreResult](t, raw))

	code, raw = f.do(t, http.MethodGet, base+"/state", "editor", nil)
	require.Equal(t, http.StatusOK, code)
	state, err := shareddoc.Load(raw)
	require.NoError(t, err)
	require.NoError(t, state.View(func(tx *shareddoc.Tx) error {
		g, _, err := tx.Grouped()
		assert.Equal(t, "stored", g.Title)
		return err
	}))

	code, raw = f.do(t, http.MethodGet, base+"/graph.svg", "editor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "<svg")
}
