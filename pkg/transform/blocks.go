package transform

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
)

const (
	TypeText          = "core/text"
	TypeImage         = "core/image"
	TypeVisual        = "tt/visual"
	TypeSocialEmbed   = "core/socialembed"
	TypeFactbox       = "core/factbox"
	TypeTable         = "core/table"
	TypeUnorderedList = "core/unordered-list"
	TypeOrderedList   = "core/ordered-list"
	TypeListItem      = "core/list-item"
	TypeTVListing     = "tt/tvlisting"
	TypePrintArticle  = "tt/print-article"
)

func newDefault() *Registry {
	r := NewRegistry()
	r.Register(TypeText, Funcs{To: textToEditable, From: textFromEditable})
	r.Register(TypeImage, Funcs{To: imageToEditable, From: imageFromEditable})
	r.Register(TypeVisual, Funcs{To: visualToEditable, From: visualFromEditable})
	r.Register(TypeSocialEmbed, Funcs{To: socialEmbedToEditable, From: socialEmbedFromEditable})
	r.Register(TypeFactbox, Funcs{To: factboxToEditable, From: factboxFromEditable})
	r.Register(TypeTable, Funcs{To: tableToEditable, From: tableFromEditable})
	r.Register(TypeUnorderedList, Funcs{To: listToEditable, From: listFromEditable})
	r.Register(TypeOrderedList, Funcs{To: listToEditable, From: listFromEditable})
	r.Register(TypeTVListing, Funcs{To: tvListingToEditable, From: tvListingFromEditable})
	r.Register(TypePrintArticle, Funcs{To: printArticleToEditable, From: printArticleFromEditable})
	return r
}

// props builds a property map from key/value pairs, leaving out empty values.
func props(kv ...string) map[string]any {
	var out map[string]any
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[kv[i]] = kv[i+1]
	}
	return out
}

// data builds a block data map from key/value pairs, leaving out empty values.
func data(kv ...string) map[string]string {
	var out map[string]string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[kv[i]] = kv[i+1]
	}
	return out
}

func findLink(links []newsdoc.Block, rel string) newsdoc.Block {
	for _, l := range links {
		if l.Rel == rel {
			return l
		}
	}
	return newsdoc.Block{}
}

func voidChildren() []Node {
	return []Node{Leaf("")}
}

// encodedChild holds stored (entity encoded) text in a decoded text child.
func encodedChild(nodeType, stored string) Node {
	return Node{Class: ClassText, Type: nodeType, Children: []Node{Leaf(decodeText(stored))}}
}

func plainChild(nodeType, text string) Node {
	return Node{Class: ClassText, Type: nodeType, Children: []Node{Leaf(text)}}
}

func encodedChildText(n Node, nodeType string) string {
	c, _ := n.Child(nodeType)
	return encodeText(c.PlainText())
}

func plainChildText(n Node, nodeType string) string {
	c, _ := n.Child(nodeType)
	return c.PlainText()
}

func textToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	children, err := parseInline(b.Data["text"])
	if err != nil {
		return Node{}, err
	}
	return Node{ID: b.ID, Class: ClassText, Type: TypeText, Properties: props("role", b.Role), Children: children}, nil
}

func textFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	text, err := serializeInline(n.Children)
	if err != nil {
		return newsdoc.Block{}, err
	}
	return newsdoc.Block{ID: n.ID, Type: TypeText, Role: n.Prop("role"), Data: data("text", text)}, nil
}

func selfLinks(linkType, uri, url string, d map[string]string) []newsdoc.Block {
	if uri == "" && url == "" {
		return nil
	}
	return []newsdoc.Block{{Rel: "self", Type: linkType, URI: uri, URL: url, Data: d}}
}

func imageToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	self := findLink(b.Links, "self")
	return Node{
		ID:         b.ID,
		Class:      ClassBlock,
		Type:       TypeImage,
		Properties: props("uri", self.URI, "url", self.URL, "width", b.Data["width"], "height", b.Data["height"]),
		Children: []Node{
			{Class: ClassVoid, Type: TypeImage + "/image", Children: voidChildren()},
			encodedChild(TypeImage+"/text", b.Data["text"]),
			encodedChild(TypeImage+"/byline", b.Data["byline"]),
		},
	}, nil
}

func imageFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	return newsdoc.Block{
		ID:   n.ID,
		Type: TypeImage,
		Data: data(
			"text", encodedChildText(n, TypeImage+"/text"),
			"byline", encodedChildText(n, TypeImage+"/byline"),
			"width", n.Prop("width"),
			"height", n.Prop("height"),
		),
		Links: selfLinks(TypeImage, n.Prop("uri"), n.Prop("url"), nil),
	}, nil
}

func visualToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	self := findLink(b.Links, "self")
	return Node{
		ID:    b.ID,
		Class: ClassBlock,
		Type:  TypeVisual,
		Properties: props(
			"uri", self.URI,
			"url", self.URL,
			"linkType", self.Type,
			"width", self.Data["width"],
			"height", self.Data["height"],
			"hiresScale", self.Data["hiresScale"],
		),
		Children: []Node{
			{Class: ClassVoid, Type: TypeVisual + "/image", Children: voidChildren()},
			encodedChild(TypeVisual+"/text", b.Data["caption"]),
			encodedChild(TypeVisual+"/byline", self.Data["credit"]),
		},
	}, nil
}

func visualFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	return newsdoc.Block{
		ID:   n.ID,
		Type: TypeVisual,
		Data: data("caption", encodedChildText(n, TypeVisual+"/text")),
		Links: selfLinks(n.Prop("linkType"), n.Prop("uri"), n.Prop("url"), data(
			"credit", encodedChildText(n, TypeVisual+"/byline"),
			"width", n.Prop("width"),
			"height", n.Prop("height"),
			"hiresScale", n.Prop("hiresScale"),
		)),
	}, nil
}

func socialEmbedToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	self := findLink(b.Links, "self")
	return Node{
		ID:         b.ID,
		Class:      ClassVoid,
		Type:       TypeSocialEmbed,
		Properties: props("uri", self.URI, "url", self.URL, "title", self.Title, "linkType", self.Type),
		Children:   voidChildren(),
	}, nil
}

func socialEmbedFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	links := selfLinks(n.Prop("linkType"), n.Prop("uri"), n.Prop("url"), nil)
	if len(links) == 1 {
		links[0].Title = n.Prop("title")
	}
	return newsdoc.Block{ID: n.ID, Type: TypeSocialEmbed, Links: links}, nil
}

func factboxToEditable(r *Registry, b newsdoc.Block) (Node, error) {
	body, err := r.nestedToEditable(b.Content)
	if err != nil {
		return Node{}, err
	}
	return Node{
		ID:    b.ID,
		Class: ClassBlock,
		Type:  TypeFactbox,
		Properties: props(
			"original_id", b.UUID,
			"byline", b.Data["byline"],
			"original_updated", b.Data["original_updated"],
			"original_version", b.Data["original_version"],
			"locally_changed", b.Data["locally_changed"],
		),
		Children: []Node{
			plainChild(TypeFactbox+"/title", b.Title),
			{Class: ClassBlock, Type: TypeFactbox + "/body", Children: body},
		},
	}, nil
}

func factboxFromEditable(r *Registry, n Node) (newsdoc.Block, error) {
	bodyNode, _ := n.Child(TypeFactbox + "/body")
	content, err := r.nestedFromEditable(bodyNode.Children)
	if err != nil {
		return newsdoc.Block{}, err
	}
	return newsdoc.Block{
		ID:    n.ID,
		UUID:  n.Prop("original_id"),
		Type:  TypeFactbox,
		Title: plainChildText(n, TypeFactbox+"/title"),
		Data: data(
			"byline", n.Prop("byline"),
			"original_updated", n.Prop("original_updated"),
			"original_version", n.Prop("original_version"),
			"locally_changed", n.Prop("locally_changed"),
		),
		Content: content,
	}, nil
}

// parseTableBody splits stored <tr>/<td>/<th> markup into row and cell nodes. Cell contents are
// inline markup.
func parseTableBody(s string) ([]Node, error) {
	z := html.NewTokenizer(strings.NewReader(s))
	var rows []Node
	var row *Node
	var cell *Node
	var raw strings.Builder

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if row != nil || cell != nil {
				return nil, fmt.Errorf("%w: unclosed table row", ErrMalformed)
			}
			return rows, nil
		}
		name, _ := z.TagName()
		tag := string(name)
		if cell != nil && !(tt == html.EndTagToken && (tag == "td" || tag == "th")) {
			raw.Write(z.Raw())
			continue
		}
		switch {
		case tt == html.StartTagToken && tag == "tr" && row == nil:
			row = &Node{Class: ClassBlock, Type: TypeTable + "/row"}
		case tt == html.EndTagToken && tag == "tr" && row != nil:
			rows = append(rows, *row)
			row = nil
		case tt == html.StartTagToken && (tag == "td" || tag == "th") && row != nil:
			cell = &Node{Class: ClassText, Type: TypeTable + "/cell"}
			if tag == "th" {
				cell.Properties = map[string]any{"header": true}
			}
			raw.Reset()
		case tt == html.EndTagToken && (tag == "td" || tag == "th") && cell != nil:
			children, err := parseInline(raw.String())
			if err != nil {
				return nil, err
			}
			cell.Children = children
			row.Children = append(row.Children, *cell)
			cell = nil
		case tt == html.TextToken && strings.TrimSpace(string(z.Text())) == "":
		default:
			return nil, fmt.Errorf("%w: unexpected table markup %q", ErrMalformed, z.Raw())
		}
	}
}

func serializeTableBody(rows []Node) (string, error) {
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString("<tr>")
		for _, cell := range row.Children {
			tag := "td"
			if cell.Flag("header") {
				tag = "th"
			}
			inner, err := serializeInline(cell.Children)
			if err != nil {
				return "", err
			}
			sb.WriteString("<" + tag + ">" + inner + "</" + tag + ">")
		}
		sb.WriteString("</tr>")
	}
	return sb.String(), nil
}

func tableToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	rows, err := parseTableBody(b.Data["tbody"])
	if err != nil {
		return Node{}, err
	}
	return Node{
		ID:    b.ID,
		Class: ClassBlock,
		Type:  TypeTable,
		Children: []Node{
			encodedChild(TypeTable+"/caption", b.Data["caption"]),
			{Class: ClassBlock, Type: TypeTable + "/body", Children: rows},
		},
	}, nil
}

func tableFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	body, _ := n.Child(TypeTable + "/body")
	tbody, err := serializeTableBody(body.Children)
	if err != nil {
		return newsdoc.Block{}, err
	}
	return newsdoc.Block{
		ID:   n.ID,
		Type: TypeTable,
		Data: data("caption", encodedChildText(n, TypeTable+"/caption"), "tbody", tbody),
	}, nil
}

func listToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	n := Node{ID: b.ID, Class: ClassBlock, Type: b.Type}
	for _, item := range b.Content {
		if item.Type != TypeListItem {
			return Node{}, fmt.Errorf("%w: list item of type %q", ErrMalformed, item.Type)
		}
		children, err := parseInline(item.Data["text"])
		if err != nil {
			return Node{}, err
		}
		n.Children = append(n.Children, Node{ID: item.ID, Class: ClassText, Type: TypeListItem, Children: children})
	}
	return n, nil
}

func listFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	b := newsdoc.Block{ID: n.ID, Type: n.Type}
	for _, item := range n.Children {
		if item.Type != TypeListItem {
			return newsdoc.Block{}, fmt.Errorf("%w: list item of type %q", ErrMalformed, item.Type)
		}
		text, err := serializeInline(item.Children)
		if err != nil {
			return newsdoc.Block{}, err
		}
		b.Content = append(b.Content, newsdoc.Block{ID: item.ID, Type: TypeListItem, Data: data("text", text)})
	}
	return b, nil
}

func tvListingToEditable(_ *Registry, b newsdoc.Block) (Node, error) {
	channel := findLink(b.Links, "channel")
	return Node{
		ID:    b.ID,
		Class: ClassVoid,
		Type:  TypeTVListing,
		Properties: props(
			"title", b.Title,
			"channel", b.Data["channel"],
			"day", b.Data["day"],
			"time", b.Data["time"],
			"end_time", b.Data["end_time"],
			"channelUri", channel.URI,
			"channelType", channel.Type,
			"channelTitle", channel.Title,
		),
		Children: voidChildren(),
	}, nil
}

func tvListingFromEditable(_ *Registry, n Node) (newsdoc.Block, error) {
	b := newsdoc.Block{
		ID:    n.ID,
		Type:  TypeTVListing,
		Title: n.Prop("title"),
		Data: data(
			"channel", n.Prop("channel"),
			"day", n.Prop("day"),
			"time", n.Prop("time"),
			"end_time", n.Prop("end_time"),
		),
	}
	if uri := n.Prop("channelUri"); uri != "" {
		b.Links = []newsdoc.Block{{Rel: "channel", Type: n.Prop("channelType"), URI: uri, Title: n.Prop("channelTitle")}}
	}
	return b, nil
}

func printArticleToEditable(r *Registry, b newsdoc.Block) (Node, error) {
	body, err := r.nestedToEditable(b.Content)
	if err != nil {
		return Node{}, err
	}
	source := findLink(b.Links, "source")
	return Node{
		ID:    b.ID,
		Class: ClassBlock,
		Type:  TypePrintArticle,
		Properties: props(
			"wireUuid", b.UUID,
			"byline", b.Data["byline"],
			"sourceUri", source.URI,
			"sourceType", source.Type,
		),
		Children: []Node{
			plainChild(TypePrintArticle+"/title", b.Title),
			{Class: ClassBlock, Type: TypePrintArticle + "/body", Children: body},
		},
	}, nil
}

func printArticleFromEditable(r *Registry, n Node) (newsdoc.Block, error) {
	bodyNode, _ := n.Child(TypePrintArticle + "/body")
	content, err := r.nestedFromEditable(bodyNode.Children)
	if err != nil {
		return newsdoc.Block{}, err
	}
	b := newsdoc.Block{
		ID:      n.ID,
		UUID:    n.Prop("wireUuid"),
		Type:    TypePrintArticle,
		Title:   plainChildText(n, TypePrintArticle+"/title"),
		Data:    data("byline", n.Prop("byline")),
		Content: content,
	}
	if uri := n.Prop("sourceUri"); uri != "" {
		b.Links = []newsdoc.Block{{Rel: "source", Type: n.Prop("sourceType"), URI: uri}}
	}
	return b, nil
}
