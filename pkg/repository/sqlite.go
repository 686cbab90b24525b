package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

// SQLite is a local system of record. Tokens are accepted and ignored.
type SQLite struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrRepository, path, err)
	}
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS document_versions (
		uuid text not null,
		version integer not null,
		document text not null,
		created timestamp not null,
		primary key (uuid, version)
		)`,
	); err != nil {
		return nil, fmt.Errorf("%w: failed to create document_versions: %w", ErrRepository, err)
	}
	if _, err := db.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS document_statuses (
		id integer primary key autoincrement,
		uuid text not null,
		name text not null,
		version integer not null,
		cause text not null default '',
		created timestamp not null
		)`,
	); err != nil {
		return nil, fmt.Errorf("%w: failed to create document_statuses: %w", ErrRepository, err)
	}
	return &SQLite{database: db}, nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

func (s *SQLite) GetDocument(ctx context.Context, _ string, uuid string, version int64) (*newsdoc.Document, int64, error) {
	var row *sql.Row
	if version > 0 {
		row = s.database.QueryRowContext(
			ctx, `SELECT version, document FROM document_versions WHERE uuid = ? AND version = ?`, uuid, version,
		)
	} else {
		row = s.database.QueryRowContext(
			ctx, `SELECT version, document FROM document_versions WHERE uuid = ? ORDER BY version DESC LIMIT 1`, uuid,
		)
	}
	var raw string
	if err := row.Scan(&version, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: failed to query %s: %w", ErrRepository, uuid, err)
	}
	var doc newsdoc.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to decode %s@%d: %w", ErrRepository, uuid, version, err)
	}
	doc = doc.Normalize()
	return &doc, version, nil
}

func (s *SQLite) SaveDocument(ctx context.Context, _ string, doc newsdoc.Document, opts SaveOptions) (SaveResult, error) {
	if err := doc.Validate(); err != nil {
		return SaveResult{}, fmt.Errorf("%w: %w", ErrRepository, err)
	}
	raw, err := json.Marshal(doc.Normalize())
	if err != nil {
		return SaveResult{}, fmt.Errorf("%w: failed to encode %s: %w", ErrRepository, doc.UUID, err)
	}

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, fmt.Errorf("%w: failed to begin: %w", ErrRepository, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var version int64
	if err := tx.QueryRowContext(
		ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM document_versions WHERE uuid = ?`, doc.UUID,
	).Scan(&version); err != nil {
		return SaveResult{}, fmt.Errorf("%w: failed to allocate version: %w", ErrRepository, err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(
		ctx, `INSERT INTO document_versions (uuid, version, document, created) VALUES (?, ?, ?, ?)`,
		doc.UUID, version, string(raw), now,
	); err != nil {
		return SaveResult{}, fmt.Errorf("%w: failed to insert version: %w", ErrRepository, err)
	}
	if opts.Status != "" {
		if _, err := tx.ExecContext(
			ctx, `INSERT INTO document_statuses (uuid, name, version, cause, created) VALUES (?, ?, ?, ?, ?)`,
			doc.UUID, opts.Status, version, opts.Cause, now,
		); err != nil {
			return SaveResult{}, fmt.Errorf("%w: failed to insert status: %w", ErrRepository, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, fmt.Errorf("%w: failed to commit: %w", ErrRepository, err)
	}
	return SaveResult{UUID: doc.UUID, Version: version}, nil
}

func (s *SQLite) GetStatuses(ctx context.Context, _ string, uuid string) ([]Status, error) {
	rows, err := s.database.QueryContext(
		ctx, `SELECT id, name, version, cause, created FROM document_statuses WHERE uuid = ? ORDER BY id`, uuid,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query statuses: %w", ErrRepository, err)
	}
	defer rows.Close()
	out := []Status{}
	for rows.Next() {
		var st Status
		if err := rows.Scan(&st.ID, &st.Name, &st.Version, &st.Cause, &st.Created); err != nil {
			return nil, fmt.Errorf("%w: failed to scan status: %w", ErrRepository, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read statuses: %w", ErrRepository, err)
	}
	return out, nil
}
