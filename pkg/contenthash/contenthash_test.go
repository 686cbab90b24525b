package contenthash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

func mustHash(t *testing.T, v any) int32 {
	t.Helper()
	h, err := Hash(v)
	require.NoError(t, err)
	return h
}

func TestKeyOrderIndependence(t *testing.T) {
	assert.Equal(t,
		mustHash(t, map[string]any{"x": 1, "y": 2}),
		mustHash(t, map[string]any{"y": 2, "x": 1}),
	)
}

func TestValueSensitivity(t *testing.T) {
	assert.NotEqual(t, mustHash(t, map[string]any{"x": 1}), mustHash(t, map[string]any{"x": 2}))
}

func TestCanonical(t *testing.T) {
	c, err := Canonical(map[string]any{
		"b": []any{map[string]any{"z": true, "a": nil}, "s"},
		"a": 1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.5,"b":[{"a":null,"z":true},"s"]}`, c)
}

func TestCanonicalKeepsMarkup(t *testing.T) {
	c, err := Canonical(map[string]any{"<b>": "a <strong>&amp;</strong> b"})
	require.NoError(t, err)
	assert.Equal(t, `{"<b>":"a <strong>&amp;</strong> b"}`, c)
	assert.Equal(t, String(c), mustHash(t, map[string]any{"<b>": "a <strong>&amp;</strong> b"}))
}

func TestArrayOrderMatters(t *testing.T) {
	assert.NotEqual(t, mustHash(t, []any{1, 2}), mustHash(t, []any{2, 1}))
}

func TestStringMatchesRollingHash(t *testing.T) {
	assert.Equal(t, int32(0), String(""))
	assert.Equal(t, int32('a'), String("a"))
	assert.Equal(t, int32('a')*31+int32('b'), String("ab"))
	// wraps instead of overflowing
	long := String("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, long, String("the quick brown fox jumps over the lazy dog"))
	// non BMP characters hash as two code units
	assert.Equal(t, String("\U0001F600"), int32(0xD83D)*31+int32(0xDE00))
}

func TestNestedMapOrder(t *testing.T) {
	a := newsdoc.Document{
		UUID: "u", Type: "core/article",
		Content: []newsdoc.Block{{Type: "core/text", Data: map[string]string{"text": "a", "extra": "b"}}},
	}
	b := newsdoc.Document{
		UUID: "u", Type: "core/article",
		Content: []newsdoc.Block{{Type: "core/text", Data: map[string]string{"extra": "b", "text": "a"}}},
	}
	assert.Equal(t, HashDocument(a), HashDocument(b))

	b.Content[0].Data["text"] = "c"
	assert.NotEqual(t, HashDocument(a), HashDocument(b))
}

func TestNilAndEmptyArraysHashTheSame(t *testing.T) {
	assert.Equal(t, HashDocument(newsdoc.Document{UUID: "u"}), HashDocument(newsdoc.Document{UUID: "u", Meta: []newsdoc.Block{}}))
}
