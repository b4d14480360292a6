package postprocess

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// documentFunc mutates one parsed HTML document. rel is the slash separated
// path of the document inside the artifact.
type documentFunc func(doc *html.Node, rel string) error

// forEachDocument parses, mutates and rewrites every HTML file of the manifest.
func forEachDocument(ctx context.Context, result *model.BuildResult, fn documentFunc) error {
	if result == nil || result.Assets == nil {
		return nil
	}
	for _, rel := range result.Assets.HTML {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(result.OutputPath, filepath.FromSlash(rel))
		doc, err := loadDocument(path)
		if err != nil {
			return err
		}
		if err := fn(doc, rel); err != nil {
			return err
		}
		if err := writeDocument(path, doc); err != nil {
			return err
		}
	}
	return nil
}

func loadDocument(path string) (*html.Node, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to read HTML file").
			WithContext("html_path", path).Build()
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryPostProcess, "failed to parse HTML").
			WithContext("html_path", path).Build()
	}
	return doc, nil
}

func writeDocument(path string, doc *html.Node) error {
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryPostProcess, "failed to render HTML").
			WithContext("html_path", path).Build()
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to write HTML file").
			WithContext("html_path", path).Build()
	}
	return nil
}

// getAttr retrieves an attribute value from an HTML node.
func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// findElement returns the first element with the given atom in document order.
func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// collect returns every node matching pred in document order.
func collect(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if pred(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func isScript(n *html.Node) bool {
	return n.Type == html.ElementNode && n.DataAtom == atom.Script
}

func isStylesheetLink(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != atom.Link {
		return false
	}
	for _, rel := range strings.Fields(strings.ToLower(getAttr(n, "rel"))) {
		if rel == "stylesheet" {
			return true
		}
	}
	return false
}

func detach(nodes []*html.Node) {
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func scriptTag(src string) *html.Node {
	return element(atom.Script, html.Attribute{Key: "src", Val: src})
}

func stylesheetTag(href string) *html.Node {
	return element(atom.Link,
		html.Attribute{Key: "rel", Val: "stylesheet"},
		html.Attribute{Key: "href", Val: href})
}

func metaTag(name, content string) *html.Node {
	return element(atom.Meta,
		html.Attribute{Key: "name", Val: name},
		html.Attribute{Key: "content", Val: content})
}

func styleTag(css string) *html.Node {
	n := element(atom.Style)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return n
}

// headOf returns the document head, creating it when the parser produced none.
func headOf(doc *html.Node) *html.Node {
	if head := findElement(doc, atom.Head); head != nil {
		return head
	}
	root := findElement(doc, atom.Html)
	if root == nil {
		root = element(atom.Html)
		doc.AppendChild(root)
	}
	head := element(atom.Head)
	root.InsertBefore(head, root.FirstChild)
	return head
}

// injector appends tags to a head without duplicating existing references.
// Named meta tags already present are updated in place.
type injector struct {
	head    *html.Node
	scripts map[string]bool
	styles  map[string]bool
	metas   map[string]*html.Node
}

func newInjector(doc *html.Node) *injector {
	in := &injector{
		head:    headOf(doc),
		scripts: make(map[string]bool),
		styles:  make(map[string]bool),
		metas:   make(map[string]*html.Node),
	}
	for _, n := range collect(doc, isScript) {
		if src := getAttr(n, "src"); src != "" {
			in.scripts[src] = true
		}
	}
	for _, n := range collect(doc, isStylesheetLink) {
		in.styles[getAttr(n, "href")] = true
	}
	for _, n := range collect(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Meta
	}) {
		if name := getAttr(n, "name"); name != "" {
			if _, seen := in.metas[name]; !seen {
				in.metas[name] = n
			}
		}
	}
	return in
}

func (in *injector) addScripts(srcs ...[]string) {
	for _, list := range srcs {
		for _, src := range list {
			if src == "" || in.scripts[src] {
				continue
			}
			in.scripts[src] = true
			in.head.AppendChild(scriptTag(src))
		}
	}
}

func (in *injector) addStylesheets(hrefs ...string) {
	for _, href := range hrefs {
		if href == "" || in.styles[href] {
			continue
		}
		in.styles[href] = true
		in.head.AppendChild(stylesheetTag(href))
	}
}

func (in *injector) addMeta(name, content string) {
	if content == "" {
		return
	}
	if n, ok := in.metas[name]; ok {
		setAttr(n, "content", content)
		return
	}
	n := metaTag(name, content)
	in.metas[name] = n
	in.head.AppendChild(n)
}

// baseValid is the validation shared by the built-in processors.
func baseValid(bctx *model.BuildContext) bool {
	return bctx != nil && bctx.Config != nil && bctx.BuildID != ""
}
