// Package cache keeps the latest encoded state of every shared document, one blob per document id.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrCache wraps every failure of a Store. Callers treat it as best effort.
var ErrCache = errors.New("cache error")

type Store interface {
	// Get returns nil when nothing is stored for id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Store replaces the state for id wholesale.
	Store(ctx context.Context, id string, state []byte) error
}

type SQLite struct {
	database *sql.DB
}

// OpenSQLite opens (or creates) the sqlite database at path and ensures the documents table exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrCache, path, err)
	}
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		state blob not null,
		updated_at timestamp not null default current_timestamp
		)`,
	); err != nil {
		return nil, fmt.Errorf("%w: failed to create documents table: %w", ErrCache, err)
	}
	return &SQLite{database: db}, nil
}

func (s *SQLite) Get(ctx context.Context, id string) ([]byte, error) {
	var state []byte
	if err := s.database.QueryRowContext(
		ctx, `SELECT state FROM documents WHERE id = ?`, id,
	).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query %s: %w", ErrCache, id, err)
	}
	return state, nil
}

func (s *SQLite) Store(ctx context.Context, id string, state []byte) error {
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO documents (id, state) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = current_timestamp`,
		id, state,
	); err != nil {
		return fmt.Errorf("%w: failed to store %s: %w", ErrCache, id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

// Memory is a Store for tests and single process setups.
type Memory struct {
	entries sync.Map
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(_ context.Context, id string) ([]byte, error) {
	raw, ok := m.entries.Load(id)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw.([]byte)...), nil
}

func (m *Memory) Store(_ context.Context, id string, state []byte) error {
	m.entries.Store(id, append([]byte(nil), state...))
	return nil
}
