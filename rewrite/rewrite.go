// Package rewrite turns the storage-format HTML of one page into plain HTML
// whose internal references resolve relative to the page's output location:
// image macros become <img> tags, links to exported pages become relative
// hrefs, attachment references point into the local _attachments tree and
// leftover macros are cleaned up before Markdown conversion.
package rewrite

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/foomo/confluence-export/hierarchy"
	"github.com/foomo/confluence-export/store"
)

var (
	pageIDPattern   = regexp.MustCompile(`pageId=([\w-]+)`)
	downloadPattern = regexp.MustCompile(`/download/(?:attachments|thumbnails)/([\w-]+)/([^/?#]+)`)
)

type Config struct {
	// BaseURL of the wiki, used to keep links to pages outside the export
	// set working as absolute URLs.
	BaseURL  string
	SpaceKey string
}

// Report counts what one Rewrite call did to a page.
type Report struct {
	InternalLinks   int
	UnresolvedLinks int
	Images          int
	Attachments     int
	MacrosCleaned   int
}

// Rewriter is built once per run from the finalized path map and shared by
// all workers; it never mutates its own state after construction.
type Rewriter struct {
	cfg    Config
	paths  map[store.PageID]hierarchy.ResolvedPath
	files  map[store.PageID]map[string]string // page id → attachment filename → local path
	titles map[string]store.PageID
	macros map[string]MacroHandler
	logger *zap.Logger
}

func New(
	st *store.Store,
	paths map[store.PageID]hierarchy.ResolvedPath,
	attachmentPaths map[store.PageID]map[string]string,
	cfg Config,
	logger *zap.Logger,
) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rewriter{
		cfg:    cfg,
		paths:  paths,
		files:  make(map[store.PageID]map[string]string),
		titles: make(map[string]store.PageID),
		macros: DefaultMacros(),
		logger: logger,
	}
	for _, p := range st.Pages() {
		key := strings.ToLower(p.Title)
		if _, ok := r.titles[key]; !ok {
			r.titles[key] = p.ID
		}
		atts := st.Attachments(p.ID)
		if len(atts) == 0 {
			continue
		}
		files := make(map[string]string, len(atts))
		for _, att := range atts {
			local, ok := attachmentPaths[p.ID][att.ID]
			if !ok {
				continue
			}
			files[att.Filename] = local
			// references in download URLs may carry the sanitized name
			if sanitized := hierarchy.SanitizeSegment(att.Filename, att.ID); sanitized != att.Filename {
				if _, taken := files[sanitized]; !taken {
					files[sanitized] = local
				}
			}
		}
		r.files[p.ID] = files
	}
	return r
}

// RegisterMacro installs or overrides the handler for one macro kind.
func (r *Rewriter) RegisterMacro(name string, h MacroHandler) {
	r.macros[name] = h
}

// Rewrite transforms the raw storage-format HTML of the given page. The
// transform is pure: the same input and path map always produce the same
// output, and rewriting an already-rewritten document changes nothing.
func (r *Rewriter) Rewrite(pageID store.PageID, rawHTML string) (string, Report, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", Report{}, fmt.Errorf("failed to parse page %q: %w", pageID, err)
	}
	fromDir := r.paths[pageID].Dir

	var rep Report
	r.rewriteImages(doc, pageID, fromDir, &rep)
	r.rewriteMacroLinks(doc, pageID, fromDir, &rep)
	r.rewriteRawRefs(doc, fromDir, &rep)
	r.cleanupMacros(doc, pageID, &rep)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", Report{}, fmt.Errorf("failed to render page %q: %w", pageID, err)
	}
	return buf.String(), rep, nil
}

// rewriteImages normalizes ac:image macros into plain <img> elements.
func (r *Rewriter) rewriteImages(doc *html.Node, pageID store.PageID, fromDir string, rep *Report) {
	for _, image := range findAll(doc, "ac:image") {
		alt := attrVal(image, "ac:alt")
		if riAtt := findFirst(image, "ri:attachment"); riAtt != nil {
			filename := attrVal(riAtt, "ri:filename")
			owner := r.referencedPage(riAtt, pageID)
			src, ok := r.attachmentRef(owner, filename, fromDir)
			if !ok {
				rep.UnresolvedLinks++
				r.logger.Debug("image attachment not in export set",
					zap.String("page", string(pageID)),
					zap.String("filename", filename),
				)
			} else {
				rep.Images++
			}
			if alt == "" {
				alt = filename
			}
			replaceNode(image, newElement("img",
				html.Attribute{Key: "src", Val: src},
				html.Attribute{Key: "alt", Val: alt},
			))
			continue
		}
		if riURL := findFirst(image, "ri:url"); riURL != nil {
			if external := attrVal(riURL, "ri:value"); external != "" {
				// external images pass through unchanged
				replaceNode(image, newElement("img",
					html.Attribute{Key: "src", Val: external},
					html.Attribute{Key: "alt", Val: alt},
				))
				rep.Images++
			}
		}
		// no resolvable source, the cleanup pass unwraps the leftovers
	}
}

// rewriteMacroLinks resolves ac:link macros that target pages or
// attachments of the exported space.
func (r *Rewriter) rewriteMacroLinks(doc *html.Node, pageID store.PageID, fromDir string, rep *Report) {
	for _, link := range findAll(doc, "ac:link") {
		if riPage := findFirst(link, "ri:page"); riPage != nil {
			r.rewritePageLink(link, riPage, pageID, fromDir, rep)
			continue
		}
		if riAtt := findFirst(link, "ri:attachment"); riAtt != nil {
			filename := attrVal(riAtt, "ri:filename")
			owner := r.referencedPage(riAtt, pageID)
			href, ok := r.attachmentRef(owner, filename, fromDir)
			if ok {
				rep.Attachments++
			} else {
				rep.UnresolvedLinks++
			}
			text := linkText(link)
			if text == "" {
				text = filename
			}
			a := newElement("a", html.Attribute{Key: "href", Val: href})
			a.AppendChild(newText(text))
			replaceNode(link, a)
		}
	}
}

func (r *Rewriter) rewritePageLink(link, riPage *html.Node, pageID store.PageID, fromDir string, rep *Report) {
	targetID := store.PageID(attrVal(riPage, "ri:page-id"))
	title := attrVal(riPage, "ri:content-title")
	spaceKey := attrVal(riPage, "ri:space-key")
	sameSpace := spaceKey == "" || strings.EqualFold(spaceKey, r.cfg.SpaceKey)
	if targetID == "" && title != "" && sameSpace {
		targetID = r.titles[strings.ToLower(title)]
	}

	text := linkText(link)
	var href string
	if target, ok := r.paths[targetID]; ok {
		href = hierarchy.Relative(fromDir, target.FilePath())
		if text == "" {
			text = strings.TrimSuffix(target.Filename, ".md")
		}
		rep.InternalLinks++
	} else {
		// target outside the export set: keep an absolute URL back to the
		// source rather than dropping the link
		href = r.externalPageURL(targetID, spaceKey, title)
		if text == "" {
			text = title
		}
		if text == "" {
			text = string(targetID)
		}
		rep.UnresolvedLinks++
		r.logger.Debug("link target not in export set",
			zap.String("page", string(pageID)),
			zap.String("target", string(targetID)),
			zap.String("title", title),
		)
	}
	a := newElement("a", html.Attribute{Key: "href", Val: href})
	a.AppendChild(newText(text))
	replaceNode(link, a)
}

// rewriteRawRefs handles plain <a> and <img> elements whose targets are
// wiki URLs: pageId= links and /download/attachments/ references.
func (r *Rewriter) rewriteRawRefs(doc *html.Node, fromDir string, rep *Report) {
	for _, a := range findAll(doc, "a") {
		href := attrVal(a, "href")
		if href == "" {
			continue
		}
		if m := downloadPattern.FindStringSubmatch(href); m != nil {
			if local, ok := r.attachmentRefByURL(m, fromDir); ok {
				setAttr(a, "href", local)
				rep.Attachments++
			}
			continue
		}
		if m := pageIDPattern.FindStringSubmatch(href); m != nil {
			if target, ok := r.paths[store.PageID(m[1])]; ok {
				setAttr(a, "href", hierarchy.Relative(fromDir, target.FilePath()))
				rep.InternalLinks++
			} else {
				// already an absolute source URL, leave it untouched
				rep.UnresolvedLinks++
			}
		}
	}
	for _, img := range findAll(doc, "img") {
		src := attrVal(img, "src")
		if m := downloadPattern.FindStringSubmatch(src); m != nil {
			if local, ok := r.attachmentRefByURL(m, fromDir); ok {
				setAttr(img, "src", local)
				rep.Images++
			}
		}
	}
}

// cleanupMacros dispatches remaining ac:structured-macro elements to their
// handlers and unwraps any other storage-format element so no raw macro
// markup reaches the converter.
func (r *Rewriter) cleanupMacros(doc *html.Node, pageID store.PageID, rep *Report) {
	for _, n := range findAllPrefix(doc, "ac:", "ri:") {
		if !attached(n) {
			// consumed by an earlier handler
			continue
		}
		switch n.Data {
		case "ac:structured-macro", "ac:macro":
			name := attrVal(n, "ac:name")
			handler, ok := r.macros[name]
			if !ok {
				handler = defaultMacro
			}
			handler(n)
			rep.MacrosCleaned++
			r.logger.Debug("cleaned macro",
				zap.String("page", string(pageID)),
				zap.String("macro", name),
			)
		case "ac:parameter":
			removeNode(n)
		case "ac:emoticon":
			// typically self-closed, so unwrap instead of removing to keep
			// any adopted siblings
			if name := attrVal(n, "ac:shortname"); name != "" {
				n.Parent.InsertBefore(newText(":"+name+":"), n)
			}
			unwrap(n)
		default:
			unwrap(n)
		}
	}
}

// referencedPage resolves a nested ri:page element (attachments may live on
// another page); without one the reference belongs to the current page.
func (r *Rewriter) referencedPage(n *html.Node, current store.PageID) store.PageID {
	riPage := findFirst(n, "ri:page")
	if riPage == nil {
		return current
	}
	if id := attrVal(riPage, "ri:page-id"); id != "" {
		return store.PageID(id)
	}
	if title := attrVal(riPage, "ri:content-title"); title != "" {
		if id, ok := r.titles[strings.ToLower(title)]; ok {
			return id
		}
	}
	return current
}

// attachmentRef returns the reference to use for an attachment: the local
// relative path when the attachment is part of the export, otherwise an
// absolute download URL on the source.
func (r *Rewriter) attachmentRef(owner store.PageID, filename, fromDir string) (string, bool) {
	if local, ok := r.files[owner][filename]; ok {
		return hierarchy.Relative(fromDir, local), true
	}
	return r.cfg.BaseURL + "/download/attachments/" + url.PathEscape(string(owner)) + "/" + url.PathEscape(filename), false
}

func (r *Rewriter) attachmentRefByURL(match []string, fromDir string) (string, bool) {
	owner := store.PageID(match[1])
	filename, err := url.PathUnescape(match[2])
	if err != nil {
		filename = match[2]
	}
	if local, ok := r.files[owner][filename]; ok {
		return hierarchy.Relative(fromDir, local), true
	}
	return "", false
}

func (r *Rewriter) externalPageURL(id store.PageID, spaceKey, title string) string {
	if id != "" {
		return r.cfg.BaseURL + "/pages/viewpage.action?pageId=" + url.QueryEscape(string(id))
	}
	if spaceKey == "" {
		spaceKey = r.cfg.SpaceKey
	}
	return r.cfg.BaseURL + "/display/" + url.PathEscape(spaceKey) + "/" + url.PathEscape(title)
}

// linkText extracts the visible text of an ac:link body.
func linkText(link *html.Node) string {
	if body := findFirst(link, "ac:link-body"); body != nil {
		return strings.TrimSpace(textContent(body))
	}
	if body := findFirst(link, "ac:plain-text-link-body"); body != nil {
		return strings.TrimSpace(cdataText(body))
	}
	return strings.TrimSpace(textContent(link))
}

func attached(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return true
		}
	}
	return false
}
