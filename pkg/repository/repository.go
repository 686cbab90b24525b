// Package repository talks to the system of record that stores versioned newsdoc documents.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

var (
	ErrRepository = errors.New("repository error")
	ErrNotFound   = errors.New("document not found")
)

type SaveOptions struct {
	// Status, when set, is recorded against the new version.
	Status string
	Cause  string
}

type SaveResult struct {
	UUID    string `json:"uuid"`
	Version int64  `json:"version"`
}

type Status struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Version int64     `json:"version"`
	Cause   string    `json:"cause,omitempty"`
	Created time.Time `json:"created"`
}

type Repository interface {
	// GetDocument returns the given version of a document, or the latest one when version is 0.
	// A missing document is reported as ErrNotFound.
	GetDocument(ctx context.Context, token, uuid string, version int64) (*newsdoc.Document, int64, error)
	// SaveDocument stores doc as a new version.
	SaveDocument(ctx context.Context, token string, doc newsdoc.Document, opts SaveOptions) (SaveResult, error)
	GetStatuses(ctx context.Context, token, uuid string) ([]Status, error)
}
