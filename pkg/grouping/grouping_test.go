package grouping

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

func TestGroupExample(t *testing.T) {
	blocks := []newsdoc.Block{
		{Type: "a", Value: "1"},
		{Type: "b", Value: "2"},
		{Type: "a", Value: "3"},
	}
	g, err := Group(blocks, KeyType)
	require.NoError(t, err)
	assert.Equal(t, Groups{
		"a": {{Type: "a", Value: "1"}, {Type: "a", Value: "3"}},
		"b": {{Type: "b", Value: "2"}},
	}, g)

	assert.Equal(t, []newsdoc.Block{
		{Type: "a", Value: "1"},
		{Type: "a", Value: "3"},
		{Type: "b", Value: "2"},
	}, Ungroup(g))
}

func TestGroupIsRecursive(t *testing.T) {
	blocks := []newsdoc.Block{{
		Type: "core/section",
		Meta: []newsdoc.Block{{Type: "core/description", Data: map[string]string{"text": "x"}}},
		Links: []newsdoc.Block{
			{Type: "core/section", Rel: "parent", URI: "core://section/1"},
			{Type: "core/section", Rel: "parent", URI: "core://section/2"},
		},
		Content: []newsdoc.Block{{Type: "core/text"}},
	}}
	g, err := Group(blocks, KeyType)
	require.NoError(t, err)
	section := g["core/section"][0]
	assert.Len(t, section.Meta["core/description"], 1)
	assert.Len(t, section.Links["core/section"], 2)
	assert.Len(t, section.Content["core/text"], 1)
	assert.Equal(t, blocks, Ungroup(g))
}

func TestGroupDropsBlocksWithoutKey(t *testing.T) {
	g, err := Group([]newsdoc.Block{{Type: "a"}, {Value: "orphan"}}, KeyType)
	require.NoError(t, err)
	assert.Equal(t, Groups{"a": {{Type: "a"}}}, g)
}

func TestGroupByRel(t *testing.T) {
	g, err := Group([]newsdoc.Block{{Rel: "subject", Type: "core/story"}, {Rel: "author"}}, KeyRel)
	require.NoError(t, err)
	assert.Len(t, g["subject"], 1)
	assert.Len(t, g["author"], 1)
}

func TestUnknownKey(t *testing.T) {
	_, err := Group(nil, "colour")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func randomBlocks(r *rand.Rand, depth int) []newsdoc.Block {
	n := r.Intn(5)
	out := make([]newsdoc.Block, 0, n)
	for i := 0; i < n; i++ {
		b := newsdoc.Block{
			ID:    fmt.Sprintf("id-%d", r.Int()),
			Type:  fmt.Sprintf("t%d", r.Intn(3)),
			Value: fmt.Sprint(r.Intn(100)),
		}
		if r.Intn(2) == 0 {
			b.Data = map[string]string{"k": fmt.Sprint(r.Intn(10))}
		}
		if depth > 0 {
			b.Meta = randomBlocks(r, depth-1)
			b.Links = randomBlocks(r, depth-1)
			b.Content = randomBlocks(r, depth-1)
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	if len(out) == 0 {
		return nil
	}
	return out
}

func TestUngroupInvertsGroup(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		blocks := randomBlocks(r, 3)
		g, err := Group(blocks, KeyType)
		require.NoError(t, err)
		require.Equal(t, blocks, Ungroup(g))
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := newsdoc.Document{
		UUID:     "1c4b2a4c-8a60-4ac5-9e1a-d0e5a5f0e9a6",
		Type:     "core/article",
		URI:      "core://article/1c4b2a4c-8a60-4ac5-9e1a-d0e5a5f0e9a6",
		Title:    "Title",
		Language: "sv-se",
		Content: []newsdoc.Block{
			{ID: "2", Type: "core/text", Data: map[string]string{"text": "b"}},
			{ID: "1", Type: "core/image"},
		},
		Meta:  []newsdoc.Block{{Type: "core/newsvalue", Value: "4"}},
		Links: []newsdoc.Block{{Type: "core/section", Rel: "subject", Title: "Sport"}},
	}
	g := GroupDocument(doc)
	assert.Equal(t, doc.Content, g.Content)
	assert.Equal(t, doc, UngroupDocument(g))
}
