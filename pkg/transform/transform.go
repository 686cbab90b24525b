// Package transform converts canonical newsdoc blocks to and from the editable tree used by the text
// editor. Each supported block type has exactly one handler; unknown types are rejected.
package transform

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

const (
	ClassText   = "text"
	ClassBlock  = "block"
	ClassInline = "inline"
	ClassVoid   = "void"
)

var (
	ErrUnsupportedType = errors.New("unsupported block type")
	ErrMalformed       = errors.New("malformed block")
)

type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported block type %q", e.Type)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrUnsupportedType
}

// Node is an element of the editable tree. A node either has children or is a text leaf.
type Node struct {
	ID         string         `json:"id,omitempty"`
	Class      string         `json:"class,omitempty"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Children   []Node         `json:"children,omitempty"`
	Text       *string        `json:"text,omitempty"`
}

func Leaf(text string) Node {
	return Node{Text: &text}
}

func (n Node) IsLeaf() bool {
	return n.Text != nil
}

func (n Node) Prop(key string) string {
	v, _ := n.Properties[key].(string)
	return v
}

func (n Node) Flag(key string) bool {
	v, _ := n.Properties[key].(bool)
	return v
}

// Child returns the first direct child with the given type.
func (n Node) Child(nodeType string) (Node, bool) {
	for _, c := range n.Children {
		if c.Type == nodeType {
			return c, true
		}
	}
	return Node{}, false
}

// PlainText concatenates all leaf text below the node.
func (n Node) PlainText() string {
	if n.IsLeaf() {
		return *n.Text
	}
	var out string
	for _, c := range n.Children {
		out += c.PlainText()
	}
	return out
}

type Transformer interface {
	ToEditable(r *Registry, b newsdoc.Block) (Node, error)
	FromEditable(r *Registry, n Node) (newsdoc.Block, error)
}

// Funcs adapts a pair of functions to the Transformer interface.
type Funcs struct {
	To   func(r *Registry, b newsdoc.Block) (Node, error)
	From func(r *Registry, n Node) (newsdoc.Block, error)
}

func (f Funcs) ToEditable(r *Registry, b newsdoc.Block) (Node, error) {
	return f.To(r, b)
}

func (f Funcs) FromEditable(r *Registry, n Node) (newsdoc.Block, error) {
	return f.From(r, n)
}

type Registry struct {
	transformers map[string]Transformer
}

func NewRegistry() *Registry {
	return &Registry{transformers: make(map[string]Transformer)}
}

func (r *Registry) Register(blockType string, t Transformer) {
	r.transformers[blockType] = t
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.transformers))
	for k := range r.transformers {
		out = append(out, k)
	}
	return out
}

func (r *Registry) lookup(blockType string) (Transformer, error) {
	t, ok := r.transformers[blockType]
	if !ok {
		return nil, &UnsupportedTypeError{Type: blockType}
	}
	return t, nil
}

// ToEditable converts a top level content block. Top level nodes are re-orderable in the editor so
// they always carry an id; one is generated when the block has none.
func (r *Registry) ToEditable(b newsdoc.Block) (Node, error) {
	n, err := r.toEditable(b)
	if err != nil {
		return Node{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return n, nil
}

func (r *Registry) toEditable(b newsdoc.Block) (Node, error) {
	t, err := r.lookup(b.Type)
	if err != nil {
		return Node{}, err
	}
	n, err := t.ToEditable(r, b)
	if err != nil {
		return Node{}, fmt.Errorf("failed to convert %s block %q: %w", b.Type, b.ID, err)
	}
	return n, nil
}

func (r *Registry) FromEditable(n Node) (newsdoc.Block, error) {
	t, err := r.lookup(n.Type)
	if err != nil {
		return newsdoc.Block{}, err
	}
	b, err := t.FromEditable(r, n)
	if err != nil {
		return newsdoc.Block{}, fmt.Errorf("failed to revert %s node %q: %w", n.Type, n.ID, err)
	}
	return b, nil
}

func (r *Registry) ToEditableContent(blocks []newsdoc.Block) ([]Node, error) {
	out := make([]Node, 0, len(blocks))
	for _, b := range blocks {
		n, err := r.ToEditable(b)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *Registry) FromEditableContent(nodes []Node) ([]newsdoc.Block, error) {
	out := make([]newsdoc.Block, 0, len(nodes))
	for _, n := range nodes {
		b, err := r.FromEditable(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// nested converts child content blocks (factbox body etc.) without generating ids.
func (r *Registry) nestedToEditable(blocks []newsdoc.Block) ([]Node, error) {
	out := make([]Node, 0, len(blocks))
	for _, b := range blocks {
		n, err := r.toEditable(b)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *Registry) nestedFromEditable(nodes []Node) ([]newsdoc.Block, error) {
	var out []newsdoc.Block
	for _, n := range nodes {
		b, err := r.FromEditable(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

var defaultRegistry = newDefault()

// Default returns the registry of every block type the editor supports.
func Default() *Registry {
	return defaultRegistry
}
