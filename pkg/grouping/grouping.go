// Package grouping converts block arrays into a map keyed by a block field, suitable for storage in a
// shared map, and back.
//
// A block with an empty value for the grouping key cannot be addressed in the grouped form and is
// dropped. Ungroup emits groups in lexicographic key order and keeps the original order within a
// group, so Ungroup(Group(x)) == x whenever x is already ordered by key and every block has a key.
package grouping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

const (
	KeyType = "type"
	KeyRel  = "rel"
	KeyRole = "role"
)

var ErrUnknownKey = errors.New("unknown grouping key")

type Groups map[string][]Block

// Block mirrors newsdoc.Block with its nested arrays grouped.
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
	Content Groups            `json:"content,omitempty"`
	Meta    Groups            `json:"meta,omitempty"`
	Links   Groups            `json:"links,omitempty"`
}

// Document keeps the ordered content array and groups meta and links by type.
type Document struct {
	UUID     string          `json:"uuid"`
	Type     string          `json:"type"`
	URI      string          `json:"uri"`
	URL      string          `json:"url,omitempty"`
	Title    string          `json:"title"`
	Language string          `json:"language"`
	Meta     Groups          `json:"meta,omitempty"`
	Links    Groups          `json:"links,omitempty"`
	Content  []newsdoc.Block `json:"content"`
}

func keyFunc(key string) (func(newsdoc.Block) string, error) {
	switch key {
	case KeyType:
		return func(b newsdoc.Block) string { return b.Type }, nil
	case KeyRel:
		return func(b newsdoc.Block) string { return b.Rel }, nil
	case KeyRole:
		return func(b newsdoc.Block) string { return b.Role }, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// Group partitions blocks by key, recursively grouping every block's meta, links and content the
// same way.
func Group(blocks []newsdoc.Block, key string) (Groups, error) {
	kf, err := keyFunc(key)
	if err != nil {
		return nil, err
	}
	return group(blocks, kf), nil
}

func group(blocks []newsdoc.Block, kf func(newsdoc.Block) string) Groups {
	var out Groups
	for _, b := range blocks {
		k := kf(b)
		if k == "" {
			continue
		}
		if out == nil {
			out = make(Groups)
		}
		out[k] = append(out[k], Block{
			ID:      b.ID,
			UUID:    b.UUID,
			URI:     b.URI,
			URL:     b.URL,
			Type:    b.Type,
			Title:   b.Title,
			Rel:     b.Rel,
			Role:    b.Role,
			Name:    b.Name,
			Value:   b.Value,
			Data:    copyData(b.Data),
			Content: group(b.Content, kf),
			Meta:    group(b.Meta, kf),
			Links:   group(b.Links, kf),
		})
	}
	return out
}

// Ungroup is the inverse of Group.
func Ungroup(groups Groups) []newsdoc.Block {
	if len(groups) == 0 {
		return nil
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []newsdoc.Block
	for _, k := range keys {
		for _, b := range groups[k] {
			out = append(out, newsdoc.Block{
				ID:      b.ID,
				UUID:    b.UUID,
				URI:     b.URI,
				URL:     b.URL,
				Type:    b.Type,
				Title:   b.Title,
				Rel:     b.Rel,
				Role:    b.Role,
				Name:    b.Name,
				Value:   b.Value,
				Data:    copyData(b.Data),
				Content: Ungroup(b.Content),
				Meta:    Ungroup(b.Meta),
				Links:   Ungroup(b.Links),
			})
		}
	}
	return out
}

func GroupDocument(doc newsdoc.Document) Document {
	kf, _ := keyFunc(KeyType)
	content := make([]newsdoc.Block, len(doc.Content))
	copy(content, doc.Content)
	return Document{
		UUID:     doc.UUID,
		Type:     doc.Type,
		URI:      doc.URI,
		URL:      doc.URL,
		Title:    doc.Title,
		Language: doc.Language,
		Meta:     group(doc.Meta, kf),
		Links:    group(doc.Links, kf),
		Content:  content,
	}
}

func UngroupDocument(g Document) newsdoc.Document {
	return newsdoc.Document{
		UUID:     g.UUID,
		Type:     g.Type,
		URI:      g.URI,
		URL:      g.URL,
		Title:    g.Title,
		Language: g.Language,
		Content:  g.Content,
		Meta:     Ungroup(g.Meta),
		Links:    Ungroup(g.Links),
	}.Normalize()
}

func copyData(d map[string]string) map[string]string {
	if d == nil {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
