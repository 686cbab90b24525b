// Package shareddoc wraps an automerge document holding one newsdoc document.
//
// Layout of the root map:
//
//	ele      map   {root: {uuid, type, uri, url, title, language}, meta: {type: [block]}, links: {type: [block]}}
//	content  list  editable tree nodes; text leaves are automerge Text objects
//	__meta   map   {hash: content hash of the last repository version, version: repository version}
//
// Every access goes through Transact (or a SyncPeer), which serialises use of the underlying document.
package shareddoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/newsdoc-sync/pkg/grouping"
	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

const (
	KeyEle     = "ele"
	KeyContent = "content"
	KeyMeta    = "__meta"
)

type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load creates a document from a full saved state.
func Load(raw []byte) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Transact runs fn with exclusive access to the document and commits whatever it changed, if anything.
// Changes made before fn returns an error are still committed; callers validate before writing.
func (d *Document) Transact(message string, fn func(tx *Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &Tx{doc: d.doc}
	fnErr := fn(tx)
	if !tx.dirty {
		return fnErr
	}
	if _, err := d.doc.Commit(message); err != nil {
		return fmt.Errorf("failed to commit %q: %w", message, err)
	}
	return fnErr
}

// View runs fn with exclusive access to the document without committing.
func (d *Document) View(fn func(tx *Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(&Tx{doc: d.doc})
}

// ApplyUpdate merges an encoded update (a full save or an incremental one) and reports whether the
// document heads moved.
func (d *Document) ApplyUpdate(update []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("failed to apply update: %w", err)
	}
	return !sameHeads(before, d.doc.Heads()), nil
}

func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return headStrings(d.doc.Heads())
}

func headStrings(heads []automerge.ChangeHash) []string {
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i][:], b[i][:]) {
			return false
		}
	}
	return true
}

// HistoryEntry describes one change in the document's change graph.
type HistoryEntry struct {
	Hash         string
	Actor        string
	Seq          uint64
	Message      string
	Dependencies []string
	Title        string
}

// History lists every change with the document title as of that change.
func (d *Document) History() ([]HistoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]HistoryEntry, 0, len(changes))
	for _, change := range changes {
		docAt, err := d.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		var title string
		if v, err := docAt.Path(KeyEle, "root", "title").Get(); err == nil && v.Kind() == automerge.KindStr {
			title = v.Str()
		}
		out = append(out, HistoryEntry{
			Hash:         change.Hash().String(),
			Actor:        change.ActorID(),
			Seq:          change.ActorSeq(),
			Message:      change.Message(),
			Dependencies: headStrings(change.Dependencies()),
			Title:        title,
		})
	}
	return out, nil
}

// Tx gives typed access to the document layout. It is only valid inside Transact or View.
type Tx struct {
	doc   *automerge.Doc
	dirty bool
}

func (tx *Tx) IsEmpty() bool {
	return tx.doc.RootMap().Len() == 0
}

// Clear removes every root key.
func (tx *Tx) Clear() error {
	keys, err := tx.doc.RootMap().Keys()
	if err != nil {
		return fmt.Errorf("failed to list root keys: %w", err)
	}
	for _, k := range keys {
		tx.dirty = true
		if err := tx.doc.RootMap().Delete(k); err != nil {
			return fmt.Errorf("failed to delete %q: %w", k, err)
		}
	}
	return nil
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromGeneric(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// SetGrouped replaces the root fields, meta and links. The content of g is ignored; it lives in
// the rich text list.
func (tx *Tx) SetGrouped(g grouping.Document) error {
	ele, err := toGeneric(map[string]any{
		"root": map[string]string{
			"uuid":     g.UUID,
			"type":     g.Type,
			"uri":      g.URI,
			"url":      g.URL,
			"title":    g.Title,
			"language": g.Language,
		},
		"meta":  nonNil(g.Meta),
		"links": nonNil(g.Links),
	})
	if err != nil {
		return fmt.Errorf("failed to encode grouped document: %w", err)
	}
	tx.dirty = true
	if err := tx.doc.RootMap().Set(KeyEle, ele); err != nil {
		return fmt.Errorf("failed to set %s: %w", KeyEle, err)
	}
	return nil
}

func nonNil(g grouping.Groups) grouping.Groups {
	if g == nil {
		return grouping.Groups{}
	}
	return g
}

// Grouped reads the root fields, meta and links. ok is false when the document holds no ele map.
func (tx *Tx) Grouped() (g grouping.Document, ok bool, err error) {
	v, err := tx.doc.RootMap().Get(KeyEle)
	if err != nil {
		return g, false, fmt.Errorf("failed to get %s: %w", KeyEle, err)
	}
	if v.Kind() != automerge.KindMap {
		return g, false, nil
	}
	generic, err := toGo(v)
	if err != nil {
		return g, false, err
	}
	var ele struct {
		Root  map[string]string `json:"root"`
		Meta  grouping.Groups   `json:"meta"`
		Links grouping.Groups   `json:"links"`
	}
	if err := fromGeneric(generic, &ele); err != nil {
		return g, false, fmt.Errorf("failed to decode %s: %w", KeyEle, err)
	}
	g = grouping.Document{
		UUID:     ele.Root["uuid"],
		Type:     ele.Root["type"],
		URI:      ele.Root["uri"],
		URL:      ele.Root["url"],
		Title:    ele.Root["title"],
		Language: ele.Root["language"],
	}
	if len(ele.Meta) > 0 {
		g.Meta = ele.Meta
	}
	if len(ele.Links) > 0 {
		g.Links = ele.Links
	}
	return g, true, nil
}

// SetTitle changes only the document title.
func (tx *Tx) SetTitle(title string) error {
	tx.dirty = true
	if err := tx.doc.Path(KeyEle, "root").Map().Set("title", title); err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

func nodeToAutomerge(n transform.Node) map[string]any {
	out := map[string]any{}
	if n.IsLeaf() {
		out["text"] = automerge.NewText(*n.Text)
	}
	if n.ID != "" {
		out["id"] = n.ID
	}
	if n.Class != "" {
		out["class"] = n.Class
	}
	if n.Type != "" {
		out["type"] = n.Type
	}
	if len(n.Properties) > 0 {
		props := make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			props[k] = v
		}
		out["properties"] = props
	}
	if len(n.Children) > 0 {
		children := make([]any, 0, len(n.Children))
		for _, c := range n.Children {
			children = append(children, nodeToAutomerge(c))
		}
		out["children"] = children
	}
	return out
}

// SetContent replaces the rich text content.
func (tx *Tx) SetContent(nodes []transform.Node) error {
	list := make([]any, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, nodeToAutomerge(n))
	}
	tx.dirty = true
	if err := tx.doc.RootMap().Set(KeyContent, list); err != nil {
		return fmt.Errorf("failed to set %s: %w", KeyContent, err)
	}
	return nil
}

func (tx *Tx) Content() ([]transform.Node, error) {
	v, err := tx.doc.RootMap().Get(KeyContent)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", KeyContent, err)
	}
	if v.Kind() != automerge.KindList {
		return nil, nil
	}
	generic, err := toGo(v)
	if err != nil {
		return nil, err
	}
	var nodes []transform.Node
	if err := fromGeneric(generic, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyContent, err)
	}
	return nodes, nil
}

// SetOriginal records the content hash and version of the repository document the state matches.
func (tx *Tx) SetOriginal(hash int32, version int64) error {
	tx.dirty = true
	if err := tx.doc.RootMap().Set(KeyMeta, map[string]any{"hash": int64(hash), "version": version}); err != nil {
		return fmt.Errorf("failed to set %s: %w", KeyMeta, err)
	}
	return nil
}

// Original returns what SetOriginal stored. ok is false when nothing has been recorded.
func (tx *Tx) Original() (hash int32, version int64, ok bool, err error) {
	v, err := tx.doc.RootMap().Get(KeyMeta)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get %s: %w", KeyMeta, err)
	}
	if v.Kind() != automerge.KindMap {
		return 0, 0, false, nil
	}
	h, err := v.Map().Get("hash")
	if err != nil || h.Kind() != automerge.KindInt64 {
		return 0, 0, false, err
	}
	ver, err := v.Map().Get("version")
	if err != nil {
		return 0, 0, false, err
	}
	if ver.Kind() == automerge.KindInt64 {
		version = ver.Int64()
	}
	return int32(h.Int64()), version, true, nil
}

// SetDocument replaces the whole state with doc, including anything recorded by SetOriginal. The
// content is converted before anything is written so a conversion failure leaves the state
// untouched.
func (tx *Tx) SetDocument(doc newsdoc.Document, reg *transform.Registry) error {
	nodes, err := reg.ToEditableContent(doc.Content)
	if err != nil {
		return err
	}
	if err := tx.Clear(); err != nil {
		return err
	}
	if err := tx.SetGrouped(grouping.GroupDocument(doc)); err != nil {
		return err
	}
	return tx.SetContent(nodes)
}

// Document rebuilds the canonical document.
func (tx *Tx) Document(reg *transform.Registry) (newsdoc.Document, error) {
	g, _, err := tx.Grouped()
	if err != nil {
		return newsdoc.Document{}, err
	}
	nodes, err := tx.Content()
	if err != nil {
		return newsdoc.Document{}, err
	}
	content, err := reg.FromEditableContent(nodes)
	if err != nil {
		return newsdoc.Document{}, err
	}
	g.Content = content
	return grouping.UngroupDocument(g), nil
}

// toGo converts an automerge value into plain maps, slices and scalars. Text becomes a string.
func toGo(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindMap:
		values, err := v.Map().Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read map: %w", err)
		}
		out := make(map[string]any, len(values))
		for k, mv := range values {
			g, err := toGo(mv)
			if err != nil {
				return nil, err
			}
			out[k] = g
		}
		return out, nil
	case automerge.KindList:
		values, err := v.List().Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read list: %w", err)
		}
		out := make([]any, 0, len(values))
		for _, lv := range values {
			g, err := toGo(lv)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return nil, fmt.Errorf("failed to read text: %w", err)
		}
		return s, nil
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return v.Uint64(), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindCounter:
		return v.Counter().Get()
	case automerge.KindVoid, automerge.KindNull:
		return nil, nil
	}
	return v.Interface(), nil
}
