package platform

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DocumentHead is the set of <meta> declarations in the console page head.
// Named tags (<meta name=...>) carry data such as the anti-forgery token;
// http-equiv tags carry header equivalents such as the security policy.
type DocumentHead interface {
	Meta(name string) (string, bool)
	SetMeta(name, content string)
	RemoveMeta(name string)
	HTTPEquiv(name string) (string, bool)
	SetHTTPEquiv(name, content string)
	RemoveHTTPEquiv(name string)
}

// HTMLDocument is a DocumentHead over a parsed HTML page.
type HTMLDocument struct {
	mu   sync.Mutex
	root *html.Node
	head *html.Node
}

const emptyDocument = "<!DOCTYPE html><html><head></head><body></body></html>"

// NewDocument returns an empty HTML5 document.
func NewDocument() *HTMLDocument {
	doc, _ := ParseDocument(strings.NewReader(emptyDocument))
	return doc
}

// ParseDocument parses an HTML page. The parser always synthesizes a <head>,
// so any input yields a usable document.
func ParseDocument(r io.Reader) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	head := findElement(root, atom.Head)
	if head == nil {
		return nil, fmt.Errorf("parse document: no head element")
	}
	return &HTMLDocument{root: root, head: head}, nil
}

func (d *HTMLDocument) Meta(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.findMeta("name", name); n != nil {
		return attr(n, "content"), true
	}
	return "", false
}

func (d *HTMLDocument) SetMeta(name, content string) {
	d.setMeta("name", name, content)
}

func (d *HTMLDocument) RemoveMeta(name string) {
	d.removeMeta("name", name)
}

func (d *HTMLDocument) HTTPEquiv(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.findMeta("http-equiv", name); n != nil {
		return attr(n, "content"), true
	}
	return "", false
}

func (d *HTMLDocument) SetHTTPEquiv(name, content string) {
	d.setMeta("http-equiv", name, content)
}

func (d *HTMLDocument) RemoveHTTPEquiv(name string) {
	d.removeMeta("http-equiv", name)
}

// Render writes the document as HTML.
func (d *HTMLDocument) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the document, returning "" on error.
func (d *HTMLDocument) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (d *HTMLDocument) setMeta(key, name, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := d.findMeta(key, name); n != nil {
		setAttr(n, "content", content)
		return
	}
	d.head.AppendChild(&html.Node{
		Type:     html.ElementNode,
		Data:     "meta",
		DataAtom: atom.Meta,
		Attr: []html.Attribute{
			{Key: key, Val: name},
			{Key: "content", Val: content},
		},
	})
}

// removeMeta removes every matching tag so duplicates left by other
// tooling do not survive.
func (d *HTMLDocument) removeMeta(key, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for n := d.findMeta(key, name); n != nil; n = d.findMeta(key, name) {
		n.Parent.RemoveChild(n)
	}
}

func (d *HTMLDocument) findMeta(key, name string) *html.Node {
	var found *html.Node
	walk(d.head, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta && strings.EqualFold(attr(n, key), name) {
			found = n
			return false
		}
		return true
	})
	return found
}

func findElement(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

// walk visits n and its descendants depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
