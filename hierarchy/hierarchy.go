// Package hierarchy maps the flat page set of a space onto an output
// directory tree. Every page becomes a Markdown file next to a directory of
// the same name that holds its children and attachments:
//
//	Parent Page.md
//	Parent Page/
//	    Child.md
//	    _attachments/<page-id>/<filename>
package hierarchy

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/foomo/confluence-export/store"
)

const maxSegmentRunes = 200

// characters that are path separators or reserved on common filesystems
var invalidChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// ResolvedPath is the on-disk location assigned to one page. All fields are
// POSIX-style and relative to the export root.
type ResolvedPath struct {
	Dir         string // directory containing the page file, "" at the root
	Filename    string // "<segment>.md"
	ChildrenDir string // directory holding the page's children and attachments
}

// FilePath returns the page file location relative to the export root.
func (p ResolvedPath) FilePath() string {
	return path.Join(p.Dir, p.Filename)
}

// SanitizeSegment turns a page title or attachment name into a single
// filesystem-safe path segment. Reserved characters become underscores,
// non-printable runes are dropped and the result is bounded in length. An
// empty result falls back to the given fallback (typically the page id).
func SanitizeSegment(name, fallback string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	name = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, name)
	name = strings.TrimSpace(name)
	if runes := []rune(name); len(runes) > maxSegmentRunes {
		name = strings.TrimSpace(string(runes[:maxSegmentRunes]))
	}
	if name == "" {
		return fallback
	}
	return name
}

// Resolve assigns every page in the store a distinct output path. Siblings
// whose sanitized titles collide are disambiguated by appending "-<id>" to
// every page in the group beyond the first, page ids sorted ascending, so
// the result is deterministic for a given page set.
//
// A cycle anywhere in the parent graph fails the whole resolution; no
// partial map is returned.
func Resolve(s *store.Store) (map[store.PageID]ResolvedPath, error) {
	// full ancestor check up front: surfaces cycles before anything is
	// assigned and guarantees every page is reachable from a root
	for _, p := range s.Pages() {
		if _, err := s.Ancestors(p.ID); err != nil {
			return nil, err
		}
	}

	paths := make(map[store.PageID]ResolvedPath, s.Len())
	var assign func(dir string, siblings []store.PageID)
	assign = func(dir string, siblings []store.PageID) {
		groups := make(map[string][]store.PageID)
		for _, id := range siblings {
			p, _ := s.Page(id)
			key := SanitizeSegment(p.Title, string(p.ID))
			groups[key] = append(groups[key], id)
		}
		for base, group := range groups {
			sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
			for i, id := range group {
				segment := base
				if i > 0 {
					segment = base + "-" + string(id)
				}
				rp := ResolvedPath{
					Dir:         dir,
					Filename:    segment + ".md",
					ChildrenDir: path.Join(dir, segment),
				}
				paths[id] = rp
				assign(rp.ChildrenDir, s.Children(id))
			}
		}
	}
	assign("", s.Roots())
	return paths, nil
}

// AttachmentPaths returns the export-root-relative location of every
// attachment of one page, keyed by attachment id. Attachments live under the
// owning page's children directory:
//
//	<childrenDir>/_attachments/<page-id>/<sanitized filename>
//
// Two attachments of the same page whose sanitized filenames collide are
// disambiguated by inserting "-<attachment id>" before the extension,
// attachment ids sorted ascending, mirroring the page filename rule.
func AttachmentPaths(owner ResolvedPath, pageID store.PageID, atts []store.Attachment) map[string]string {
	dir := path.Join(owner.ChildrenDir, "_attachments", string(pageID))
	groups := make(map[string][]store.Attachment)
	for _, att := range atts {
		name := SanitizeSegment(att.Filename, att.ID)
		groups[name] = append(groups[name], att)
	}
	out := make(map[string]string, len(atts))
	for name, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for i, att := range group {
			filename := name
			if i > 0 {
				ext := path.Ext(name)
				filename = strings.TrimSuffix(name, ext) + "-" + att.ID + ext
			}
			out[att.ID] = path.Join(dir, filename)
		}
	}
	return out
}

// Relative computes the POSIX relative path from a page directory to a
// target location, both given relative to the export root.
func Relative(fromDir, target string) string {
	if fromDir == "" || fromDir == "." {
		return target
	}
	from := strings.Split(fromDir, "/")
	to := strings.Split(target, "/")
	common := 0
	for common < len(from) && common < len(to)-1 && from[common] == to[common] {
		common++
	}
	var b strings.Builder
	for range from[common:] {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(to[common:], "/"))
	return b.String()
}
