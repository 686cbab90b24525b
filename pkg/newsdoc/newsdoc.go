// Package newsdoc holds the canonical array-of-blocks document format used as the system of record.
package newsdoc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Document struct {
	UUID     string  `json:"uuid"`
	Type     string  `json:"type"`
	URI      string  `json:"uri"`
	URL      string  `json:"url,omitempty"`
	Title    string  `json:"title"`
	Language string  `json:"language"`
	Content  []Block `json:"content"`
	Meta     []Block `json:"meta"`
	Links    []Block `json:"links"`
}

// Block is both a typed content node (paragraph, image) and a typed relation or metadata entry.
type Block struct {
	ID      string            `json:"id,omitempty"`
	UUID    string            `json:"uuid,omitempty"`
	URI     string            `json:"uri,omitempty"`
	URL     string            `json:"url,omitempty"`
	Type    string            `json:"type,omitempty"`
	Title   string            `json:"title,omitempty"`
	Rel     string            `json:"rel,omitempty"`
	Role    string            `json:"role,omitempty"`
	Name    string            `json:"name,omitempty"`
	Value   string            `json:"value,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Content []Block           `json:"content,omitempty"`
	Meta    []Block           `json:"meta,omitempty"`
	Links   []Block           `json:"links,omitempty"`
}

var ErrInvalidDocument = errors.New("invalid document")

// NewDocument creates an empty document of the given type with a fresh uuid.
func NewDocument(docType, title, language string) Document {
	id := uuid.NewString()
	return Document{
		UUID:     id,
		Type:     docType,
		URI:      "core://doc/" + id,
		Title:    title,
		Language: language,
		Content:  []Block{},
		Meta:     []Block{},
		Links:    []Block{},
	}
}

func (d Document) Validate() error {
	if _, err := uuid.Parse(d.UUID); err != nil {
		return fmt.Errorf("%w: bad uuid %q: %v", ErrInvalidDocument, d.UUID, err)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidDocument)
	}
	return nil
}

// FirstMeta returns the first meta block of the given type.
func (d Document) FirstMeta(blockType string) (Block, bool) {
	for _, b := range d.Meta {
		if b.Type == blockType {
			return b, true
		}
	}
	return Block{}, false
}

// Normalize replaces nil slices with empty ones so that documents compare and serialise identically
// regardless of whether they came from JSON, the shared document or a template.
func (d Document) Normalize() Document {
	if d.Content == nil {
		d.Content = []Block{}
	}
	if d.Meta == nil {
		d.Meta = []Block{}
	}
	if d.Links == nil {
		d.Links = []Block{}
	}
	return d
}
