package rewrite

import (
	"strings"

	"golang.org/x/net/html"
)

// MacroHandler rewrites one ac:structured-macro element in place. Handlers
// mutate the tree; whatever they leave behind must be plain HTML.
//
// Storage format is XHTML but gets parsed as HTML5 here, which ignores the
// self-closing slash on unknown elements: a macro written <ac:.../> adopts
// its trailing siblings as children. Handlers therefore strip the
// macro-internal elements (parameters, bodies) and unwrap the node instead
// of removing whole subtrees, so adopted content survives in place.
type MacroHandler func(macro *html.Node)

// DefaultMacros returns the built-in handler registry, keyed by the macro's
// ac:name. Macros without a handler fall back to unwrapping their visible
// body content.
func DefaultMacros() map[string]MacroHandler {
	return map[string]MacroHandler{
		"code":     codeMacro,
		"noformat": codeMacro,
		"info":     panelMacro,
		"note":     panelMacro,
		"warning":  panelMacro,
		"tip":      panelMacro,
		"panel":    panelMacro,
		"expand":   panelMacro,
		"status":   statusMacro,
		"toc":      dropMacro,
		"children": dropMacro,
		"pagetree": dropMacro,
		"anchor":   dropMacro,
	}
}

func macroParam(macro *html.Node, name string) string {
	for _, p := range findAll(macro, "ac:parameter") {
		if attrVal(p, "ac:name") == name {
			return strings.TrimSpace(textContent(p))
		}
	}
	return ""
}

// cdataText collects text under n. Storage-format macro bodies wrap their
// content in CDATA sections, which the HTML5 parser tokenizes as bogus
// comments, so those are unwrapped here as well.
func cdataText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.CommentNode && strings.HasPrefix(n.Data, "[CDATA["):
			b.WriteString(strings.TrimSuffix(strings.TrimPrefix(n.Data, "[CDATA["), "]]"))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// stripInternals removes the macro-bookkeeping children of a macro node so
// that only adopted foreign content remains for unwrapping.
func stripInternals(macro *html.Node) {
	for c := macro.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch c.Data {
			case "ac:parameter", "ac:default-parameter", "ac:plain-text-body", "ac:rich-text-body":
				macro.RemoveChild(c)
			}
		}
		c = next
	}
}

func codeMacro(macro *html.Node) {
	if macro.Parent == nil {
		return
	}
	code := newElement("code")
	if lang := macroParam(macro, "language"); lang != "" {
		setAttr(code, "class", "language-"+lang)
	}
	var text string
	if body := findFirst(macro, "ac:plain-text-body"); body != nil {
		text = cdataText(body)
	}
	code.AppendChild(newText(text))
	pre := newElement("pre")
	pre.AppendChild(code)

	stripInternals(macro)
	macro.Parent.InsertBefore(pre, macro)
	unwrap(macro)
}

func panelMacro(macro *html.Node) {
	if macro.Parent == nil {
		return
	}
	quote := newElement("blockquote")
	if title := macroParam(macro, "title"); title != "" {
		strong := newElement("strong")
		strong.AppendChild(newText(title))
		p := newElement("p")
		p.AppendChild(strong)
		quote.AppendChild(p)
	}
	if body := findFirst(macro, "ac:rich-text-body"); body != nil {
		for c := body.FirstChild; c != nil; {
			next := c.NextSibling
			body.RemoveChild(c)
			quote.AppendChild(c)
			c = next
		}
	}
	stripInternals(macro)
	macro.Parent.InsertBefore(quote, macro)
	unwrap(macro)
}

func statusMacro(macro *html.Node) {
	if macro.Parent == nil {
		return
	}
	title := macroParam(macro, "title")
	stripInternals(macro)
	if title != "" {
		macro.Parent.InsertBefore(newText(title), macro)
	}
	unwrap(macro)
}

func dropMacro(macro *html.Node) {
	stripInternals(macro)
	unwrap(macro)
}

// defaultMacro is the fallback for unknown macro kinds: keep the visible
// body content, drop everything else rather than leaving raw markup behind.
func defaultMacro(macro *html.Node) {
	if macro.Parent == nil {
		return
	}
	if body := findFirst(macro, "ac:rich-text-body"); body != nil {
		for c := body.FirstChild; c != nil; {
			next := c.NextSibling
			body.RemoveChild(c)
			macro.Parent.InsertBefore(c, macro)
			c = next
		}
		stripInternals(macro)
		unwrap(macro)
		return
	}
	if body := findFirst(macro, "ac:plain-text-body"); body != nil {
		if text := strings.TrimSpace(cdataText(body)); text != "" {
			macro.Parent.InsertBefore(newText(text), macro)
		}
	}
	stripInternals(macro)
	unwrap(macro)
}
