package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Store(ctx, "doc", []byte{1, 2, 3}))
	got, err = s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, s.Store(ctx, "doc", []byte{4}))
	got, err = s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, got)
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestMemoryCopiesState(t *testing.T) {
	m := NewMemory()
	state := []byte{1}
	require.NoError(t, m.Store(context.Background(), "doc", state))
	state[0] = 9
	got, _ := m.Get(context.Background(), "doc")
	assert.Equal(t, []byte{1}, got)
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.sqlite3"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite3")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Store(context.Background(), "doc", []byte("state")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), got)
}
