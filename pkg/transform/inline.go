package transform

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

const (
	MarkBold      = "core/bold"
	MarkItalic    = "core/italic"
	MarkUnderline = "core/underline"

	TypeLink = "core/link"
)

var tagMarks = map[string]string{
	"strong": MarkBold,
	"em":     MarkItalic,
	"u":      MarkUnderline,
}

// serialisation order for nested marks
var markTags = []struct{ mark, tag string }{
	{MarkBold, "strong"},
	{MarkItalic, "em"},
	{MarkUnderline, "u"},
}

var (
	textEncoder = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEncoder = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

func encodeText(s string) string {
	return textEncoder.Replace(s)
}

func decodeText(s string) string {
	return html.UnescapeString(s)
}

func markedLeaf(text string, marks []string) Node {
	n := Leaf(text)
	if len(marks) > 0 {
		n.Properties = make(map[string]any, len(marks))
		for _, m := range marks {
			n.Properties[m] = true
		}
	}
	return n
}

// parseInline turns stored inline markup into leaves and link nodes. Entities are decoded on the way.
func parseInline(s string) ([]Node, error) {
	z := html.NewTokenizer(strings.NewReader(s))
	var out []Node
	var marks []string
	var link *Node

	emit := func(n Node) {
		if link != nil {
			link.Children = append(link.Children, n)
		} else {
			out = append(out, n)
		}
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if !errors.Is(z.Err(), io.EOF) {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, z.Err())
			}
			if link != nil || len(marks) > 0 {
				return nil, fmt.Errorf("%w: unclosed inline element in %q", ErrMalformed, s)
			}
			if len(out) == 0 {
				out = append(out, Leaf(""))
			}
			return out, nil
		case html.TextToken:
			emit(markedLeaf(string(z.Text()), marks))
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) == "a" {
				if link != nil {
					return nil, fmt.Errorf("%w: nested link in %q", ErrMalformed, s)
				}
				href := ""
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "href" {
						href = string(v)
					}
				}
				link = &Node{Class: ClassInline, Type: TypeLink, Properties: map[string]any{"url": href}}
				continue
			}
			mark, ok := tagMarks[string(name)]
			if !ok {
				return nil, fmt.Errorf("%w: unsupported inline tag <%s>", ErrMalformed, name)
			}
			marks = append(marks, mark)
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "a" {
				if link == nil {
					return nil, fmt.Errorf("%w: unexpected </a> in %q", ErrMalformed, s)
				}
				if len(link.Children) == 0 {
					link.Children = []Node{Leaf("")}
				}
				out = append(out, *link)
				link = nil
				continue
			}
			mark, ok := tagMarks[string(name)]
			if !ok || len(marks) == 0 || marks[len(marks)-1] != mark {
				return nil, fmt.Errorf("%w: unbalanced </%s> in %q", ErrMalformed, name, s)
			}
			marks = marks[:len(marks)-1]
		default:
			return nil, fmt.Errorf("%w: unexpected markup in %q", ErrMalformed, s)
		}
	}
}

func writeLeaf(sb *strings.Builder, n Node) {
	for _, mt := range markTags {
		if n.Flag(mt.mark) {
			sb.WriteString("<" + mt.tag + ">")
		}
	}
	sb.WriteString(encodeText(*n.Text))
	for i := len(markTags) - 1; i >= 0; i-- {
		if n.Flag(markTags[i].mark) {
			sb.WriteString("</" + markTags[i].tag + ">")
		}
	}
}

// serializeInline is the inverse of parseInline.
func serializeInline(nodes []Node) (string, error) {
	var sb strings.Builder
	for _, n := range nodes {
		if n.IsLeaf() {
			writeLeaf(&sb, n)
			continue
		}
		if n.Type != TypeLink {
			return "", fmt.Errorf("%w: unexpected inline node %q", ErrMalformed, n.Type)
		}
		sb.WriteString(`<a href="`)
		sb.WriteString(attrEncoder.Replace(n.Prop("url")))
		sb.WriteString(`">`)
		for _, c := range n.Children {
			if !c.IsLeaf() {
				return "", fmt.Errorf("%w: link children must be text", ErrMalformed)
			}
			writeLeaf(&sb, c)
		}
		sb.WriteString("</a>")
	}
	return sb.String(), nil
}
