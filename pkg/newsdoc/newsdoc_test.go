package newsdoc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocument(t *testing.T) {
	doc := NewDocument("core/article", "Hello", "sv-se")
	require.NoError(t, doc.Validate())
	assert.Equal(t, "core://doc/"+doc.UUID, doc.URI)
	assert.NotNil(t, doc.Content)
	assert.NotNil(t, doc.Meta)
	assert.NotNil(t, doc.Links)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Document{UUID: "nope", Type: "core/article"}.Validate(), ErrInvalidDocument)
	assert.ErrorIs(t, Document{UUID: "1c4b2a4c-8a60-4ac5-9e1a-d0e5a5f0e9a6"}.Validate(), ErrInvalidDocument)
}

func TestBlockJSONOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(Block{Type: "core/text", Data: map[string]string{"text": "hi"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"core/text","data":{"text":"hi"}}`, string(raw))
}

func TestFirstMetaAndNormalize(t *testing.T) {
	doc := Document{Meta: []Block{{Type: "core/newsvalue", Value: "3"}}}.Normalize()
	b, ok := doc.FirstMeta("core/newsvalue")
	assert.True(t, ok)
	assert.Equal(t, "3", b.Value)
	_, ok = doc.FirstMeta("core/section")
	assert.False(t, ok)
	assert.Equal(t, []Block{}, doc.Links)
}
