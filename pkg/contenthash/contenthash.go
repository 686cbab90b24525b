// Package contenthash computes a cheap, key-order independent hash of a document snapshot. It is used
// to decide whether a repository write would be a no-op and is not suitable for anything else.
package contenthash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

// Canonical serialises v with the keys of every map sorted. Array order is kept.
func Canonical(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("failed to decode snapshot: %w", err)
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, generic); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch tv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, k); err != nil {
				return err
			}
			sb.WriteByte(':')
			if err := writeCanonical(sb, tv[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range tv {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(tv.String())
	default:
		var buff bytes.Buffer
		enc := json.NewEncoder(&buff)
		// markup in text must hash as written, not as \u003c escapes
		enc.SetEscapeHTML(false)
		if err := enc.Encode(tv); err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		sb.Write(bytes.TrimSuffix(buff.Bytes(), []byte("\n")))
	}
	return nil
}

// String runs h = h*31 + c over the UTF-16 code units of s, wrapping at 32 bits.
func String(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}

func Hash(v any) (int32, error) {
	c, err := Canonical(v)
	if err != nil {
		return 0, err
	}
	return String(c), nil
}

func HashDocument(doc newsdoc.Document) int32 {
	// a Document only holds strings, slices and string maps so marshalling cannot fail
	h, _ := Hash(doc.Normalize())
	return h
}
