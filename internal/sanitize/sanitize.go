// Package sanitize filters user-submitted rich HTML down to a fixed
// allow-list before it is persisted. It is the only defense against stored
// XSS, so it runs on every write path, never on render.
//
// The filter is default-deny: every element, attribute, and style property
// not explicitly listed here is stripped. Sanitize is idempotent; feeding
// its own output back in is a no-op.
package sanitize

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// allowedElements maps element name to the attributes it may keep, in the
// order they are emitted. Emission order is fixed so sanitized output
// re-sanitizes byte-identically.
var allowedElements = map[string][]string{
	"p":          nil,
	"br":         nil,
	"h1":         nil,
	"h2":         nil,
	"h3":         nil,
	"h4":         nil,
	"h5":         nil,
	"h6":         nil,
	"ul":         nil,
	"ol":         nil,
	"li":         nil,
	"table":      nil,
	"thead":      nil,
	"tbody":      nil,
	"tfoot":      nil,
	"tr":         nil,
	"th":         {"colspan", "rowspan"},
	"td":         {"colspan", "rowspan"},
	"blockquote": nil,
	"code":       nil,
	"pre":        nil,
	"hr":         nil,
	"b":          nil,
	"strong":     nil,
	"i":          nil,
	"em":         nil,
	"u":          nil,
	"s":          nil,
	"strike":     nil,
	"mark":       nil,
	"span":       nil,
	"img":        {"src", "alt", "title", "width", "height", "class"},
	"a":          {"href", "name"},
	"div":        nil,
}

// styledElements may carry a style attribute restricted to text-align.
var styledElements = map[string]struct{}{
	"p": {}, "div": {}, "h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {},
	"h6": {}, "blockquote": {}, "li": {}, "td": {}, "th": {}, "span": {},
}

// droppedWithContent are removed together with everything inside them.
// Unlisted disallowed elements are merely unwrapped, keeping their children.
var droppedWithContent = map[string]struct{}{
	"script": {}, "style": {}, "iframe": {}, "object": {}, "embed": {},
	"noscript": {}, "form": {}, "textarea": {}, "select": {}, "option": {},
}

var voidElements = map[string]struct{}{
	"br": {}, "hr": {}, "img": {},
}

var allowedTextAlign = map[string]struct{}{
	"left": {}, "right": {}, "center": {}, "justify": {},
}

// Sanitize normalizes and allow-list-filters an HTML fragment.
func Sanitize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	nodes, err := parseFragment(raw)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, node := range nodes {
		writeNode(&b, node)
	}
	return b.String()
}

// Plain strips all markup and collapses whitespace. Validation uses it to
// decide whether rich content is empty once the tags are gone.
func Plain(raw string) string {
	nodes, err := parseFragment(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	var b strings.Builder
	for _, node := range nodes {
		collectText(&b, node)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func parseFragment(raw string) ([]*html.Node, error) {
	context := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	}
	return html.ParseFragment(strings.NewReader(raw), context)
}

func collectText(b *strings.Builder, node *html.Node) {
	if node.Type == html.TextNode {
		b.WriteString(node.Data)
		b.WriteByte(' ')
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		collectText(b, child)
	}
}

func writeNode(b *strings.Builder, node *html.Node) {
	switch node.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(node.Data))
	case html.ElementNode:
		name := node.Data
		if _, dropped := droppedWithContent[name]; dropped {
			return
		}
		attrs, allowed := allowedElements[name]
		if !allowed {
			// Unknown element: unwrap, keep children.
			writeChildren(b, node)
			return
		}
		b.WriteByte('<')
		b.WriteString(name)
		writeAttrs(b, node, name, attrs)
		b.WriteByte('>')
		if _, void := voidElements[name]; void {
			return
		}
		writeChildren(b, node)
		b.WriteString("</")
		b.WriteString(name)
		b.WriteByte('>')
	}
	// Comments, doctype and the like are dropped.
}

func writeChildren(b *strings.Builder, node *html.Node) {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		writeNode(b, child)
	}
}

func writeAttrs(b *strings.Builder, node *html.Node, name string, allowed []string) {
	for _, key := range allowed {
		value, ok := attrValue(node, key)
		if !ok {
			continue
		}
		switch {
		case name == "a" && key == "href":
			href, keep := sanitizeLinkHref(value)
			if !keep {
				continue
			}
			writeAttr(b, "href", href)
		case name == "img" && key == "src":
			src, keep := sanitizeImageSrc(value)
			if !keep {
				continue
			}
			writeAttr(b, "src", src)
		default:
			writeAttr(b, key, value)
		}
	}

	if _, styled := styledElements[name]; styled {
		if value, ok := attrValue(node, "style"); ok {
			if align, ok := textAlignFromStyle(value); ok {
				writeAttr(b, "style", "text-align: "+align)
			}
		}
	}

	// Every anchor opens safely regardless of input.
	if name == "a" {
		target, ok := attrValue(node, "target")
		if !ok || strings.TrimSpace(target) == "" {
			target = "_blank"
		}
		writeAttr(b, "target", target)
		writeAttr(b, "rel", "noopener noreferrer")
	}
}

func attrValue(node *html.Node, key string) (string, bool) {
	for _, attr := range node.Attr {
		if attr.Namespace == "" && attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func writeAttr(b *strings.Builder, key, value string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(html.EscapeString(value))
	b.WriteByte('"')
}

// sanitizeLinkHref enforces the scheme allow-list and applies the
// best-effort bare-domain convenience transform.
func sanitizeLinkHref(raw string) (string, bool) {
	href := strings.TrimSpace(raw)
	if href == "" {
		return "", false
	}
	// Protocol-relative URLs inherit the page scheme; rejected outright.
	if strings.HasPrefix(href, "//") {
		return "", false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "" {
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https", "mailto":
			return href, true
		default:
			return "", false
		}
	}
	if strings.HasPrefix(href, "/") || strings.HasPrefix(href, "./") || strings.HasPrefix(href, "../") {
		return href, true
	}
	// Heuristic: "www.example.com" is a bare domain the author meant to link.
	if strings.Contains(href, ".") {
		return "https://" + href, true
	}
	return href, true
}

func sanitizeImageSrc(raw string) (string, bool) {
	src := strings.TrimSpace(raw)
	if src == "" {
		return "", false
	}
	if strings.HasPrefix(src, "//") {
		return "", false
	}
	parsed, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "" {
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
			return src, true
		default:
			return "", false
		}
	}
	return src, true
}

func textAlignFromStyle(style string) (string, bool) {
	for _, declaration := range strings.Split(style, ";") {
		key, value, found := strings.Cut(declaration, ":")
		if !found {
			continue
		}
		if strings.ToLower(strings.TrimSpace(key)) != "text-align" {
			continue
		}
		align := strings.ToLower(strings.TrimSpace(value))
		if _, ok := allowedTextAlign[align]; ok {
			return align, true
		}
	}
	return "", false
}
