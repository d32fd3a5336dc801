package store

import (
	"errors"
	"fmt"
)

// ErrCycleDetected is returned when a page's parent chain loops back on
// itself. The hierarchy is unrecoverable in that case and the whole export
// run must abort.
var ErrCycleDetected = errors.New("cycle detected in page hierarchy")

type PageID string

type Page struct {
	ID       PageID
	Title    string
	ParentID PageID // empty means top-level page
	Labels   []string
	Version  int
}

type Attachment struct {
	ID          string
	PageID      PageID
	Filename    string
	DownloadRef string // opaque locator handed back to the content source
}

// Store is the in-memory index of one space: every page by id, the derived
// parent→children adjacency, and the attachments per page. It is built once
// from collaborator-supplied data and read-only afterwards.
type Store struct {
	byID        map[PageID]Page
	children    map[PageID][]PageID
	attachments map[PageID][]Attachment
	order       []PageID
	roots       []PageID
}

// Load builds the index. Input order is preserved so that iteration over
// Pages is deterministic for a given fetch. A page whose parent id is not
// part of the set is treated as a top-level page.
func Load(pages []Page, attachmentsByPage map[PageID][]Attachment) *Store {
	s := &Store{
		byID:        make(map[PageID]Page, len(pages)),
		children:    make(map[PageID][]PageID),
		attachments: make(map[PageID][]Attachment, len(attachmentsByPage)),
		order:       make([]PageID, 0, len(pages)),
	}
	for _, p := range pages {
		if _, ok := s.byID[p.ID]; ok {
			continue
		}
		s.byID[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	for _, id := range s.order {
		p := s.byID[id]
		if _, ok := s.byID[p.ParentID]; !ok {
			// no parent, or parent outside the export set
			s.roots = append(s.roots, id)
			continue
		}
		s.children[p.ParentID] = append(s.children[p.ParentID], id)
	}
	for id, atts := range attachmentsByPage {
		s.attachments[id] = atts
	}
	return s
}

func (s *Store) Page(id PageID) (Page, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Pages returns all pages in load order.
func (s *Store) Pages() []Page {
	pages := make([]Page, len(s.order))
	for i, id := range s.order {
		pages[i] = s.byID[id]
	}
	return pages
}

// Roots returns the ids of all top-level pages in load order.
func (s *Store) Roots() []PageID {
	return s.roots
}

// Children returns the ids of the direct children of id in load order.
func (s *Store) Children(id PageID) []PageID {
	return s.children[id]
}

func (s *Store) Attachments(id PageID) []Attachment {
	return s.attachments[id]
}

func (s *Store) Len() int {
	return len(s.order)
}

// Ancestors follows parent references up to the root and returns the chain
// root-first, excluding id itself. The walk fails with ErrCycleDetected if
// it revisits a page or runs longer than the total page count.
func (s *Store) Ancestors(id PageID) ([]PageID, error) {
	if _, ok := s.byID[id]; !ok {
		return nil, fmt.Errorf("unknown page %q", id)
	}
	var chain []PageID
	seen := map[PageID]bool{id: true}
	current := s.byID[id].ParentID
	for current != "" {
		parent, ok := s.byID[current]
		if !ok {
			// parent outside the export set, the page hangs off the root
			break
		}
		if seen[current] || len(chain) > s.Len() {
			return nil, fmt.Errorf("page %q: %w", id, ErrCycleDetected)
		}
		seen[current] = true
		chain = append(chain, current)
		current = parent.ParentID
	}
	// reverse to root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
