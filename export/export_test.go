package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foomo/confluence-export/store"
)

type fakeSource struct {
	pages       []store.Page
	bodies      map[store.PageID]string
	attachments map[store.PageID][]store.Attachment
	bodyErr     map[store.PageID]error
	downloadErr map[string]error
}

func (f *fakeSource) Pages(_ context.Context) ([]store.Page, error) {
	return f.pages, nil
}

func (f *fakeSource) Body(_ context.Context, id store.PageID) (string, error) {
	if err := f.bodyErr[id]; err != nil {
		return "", err
	}
	return f.bodies[id], nil
}

func (f *fakeSource) Attachments(_ context.Context, id store.PageID) ([]store.Attachment, error) {
	return f.attachments[id], nil
}

func (f *fakeSource) Download(_ context.Context, att store.Attachment, w io.Writer) error {
	if err := f.downloadErr[att.ID]; err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "bytes of %s", att.Filename)
	return err
}

func newExporter(t *testing.T, src Source) (*Exporter, string) {
	t.Helper()
	dir := t.TempDir()
	return New(src, Config{
		OutputDir: dir,
		BaseURL:   "https://wiki.example.com",
		SpaceKey:  "DOCS",
		Workers:   2,
	}, nil), dir
}

func TestRunWritesTree(t *testing.T) {
	src := &fakeSource{
		pages: []store.Page{
			{ID: "p1", Title: "Parent", Labels: []string{"guide", "infra"}, Version: 3},
			{ID: "p2", Title: "Child", ParentID: "p1", Version: 1},
		},
		bodies: map[store.PageID]string{
			"p1": `<p>Welcome.</p><ac:link><ri:page ri:content-title="Child"/></ac:link>`,
			"p2": `<p>See <ac:link><ri:page ri:content-title="Parent"/></ac:link> and <a href="/download/attachments/p1/report.pdf">the report</a>.</p>`,
		},
		attachments: map[store.PageID][]store.Attachment{
			"p1": {{ID: "a1", PageID: "p1", Filename: "report.pdf", DownloadRef: "/dl/a1"}},
		},
	}
	e, dir := newExporter(t, src)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Succeeded(), 2)
	require.Empty(t, summary.Degraded())
	require.Empty(t, summary.Skipped())

	parent, err := os.ReadFile(filepath.Join(dir, "Parent.md"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(parent), "---\n"))
	require.Contains(t, string(parent), "title: Parent")
	require.Contains(t, string(parent), "id: p1")
	require.Contains(t, string(parent), "- guide")
	require.Contains(t, string(parent), "version: 3")
	require.Contains(t, string(parent), "(Parent/Child.md)")

	child, err := os.ReadFile(filepath.Join(dir, "Parent", "Child.md"))
	require.NoError(t, err)
	require.Contains(t, string(child), "(../Parent.md)")
	require.Contains(t, string(child), "(_attachments/p1/report.pdf)")

	blob, err := os.ReadFile(filepath.Join(dir, "Parent", "_attachments", "p1", "report.pdf"))
	require.NoError(t, err)
	require.Equal(t, "bytes of report.pdf", string(blob))
}

func TestRunIsolatesPageFailure(t *testing.T) {
	src := &fakeSource{
		pages: []store.Page{
			{ID: "p1", Title: "Good"},
			{ID: "p2", Title: "Bad"},
		},
		bodies:  map[store.PageID]string{"p1": "<p>fine</p>"},
		bodyErr: map[store.PageID]error{"p2": errors.New("boom")},
	}
	e, dir := newExporter(t, src)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Succeeded(), 1)
	require.Len(t, summary.Skipped(), 1)

	skipped := summary.Skipped()[0]
	require.Equal(t, store.PageID("p2"), skipped.ID)
	require.Equal(t, StatusPending, skipped.Status)
	require.ErrorContains(t, skipped.Err, "boom")

	_, err = os.Stat(filepath.Join(dir, "Good.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "Bad.md"))
	require.True(t, os.IsNotExist(err))
}

func TestRunCycleIsFatal(t *testing.T) {
	src := &fakeSource{
		pages: []store.Page{
			{ID: "p1", Title: "A", ParentID: "p2"},
			{ID: "p2", Title: "B", ParentID: "p1"},
			{ID: "p3", Title: "Fine"},
		},
		bodies: map[store.PageID]string{"p3": "<p>fine</p>"},
	}
	e, dir := newExporter(t, src)

	summary, err := e.Run(context.Background())
	require.ErrorIs(t, err, store.ErrCycleDetected)
	require.Nil(t, summary)

	// nothing may be written when the hierarchy is unresolvable
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunMarksDegradedPages(t *testing.T) {
	src := &fakeSource{
		pages: []store.Page{{ID: "p1", Title: "Page"}},
		bodies: map[store.PageID]string{
			"p1": `<ac:link><ri:page ri:page-id="absent"/><ac:plain-text-link-body><![CDATA[gone]]></ac:plain-text-link-body></ac:link>`,
		},
	}
	e, _ := newExporter(t, src)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, summary.Succeeded())
	require.Len(t, summary.Degraded(), 1)
	require.Equal(t, 1, summary.Degraded()[0].UnresolvedLinks)
	require.Equal(t, StatusWritten, summary.Degraded()[0].Status)
}

func TestRunDegradedOnDownloadFailure(t *testing.T) {
	src := &fakeSource{
		pages:  []store.Page{{ID: "p1", Title: "Page"}},
		bodies: map[store.PageID]string{"p1": "<p>ok</p>"},
		attachments: map[store.PageID][]store.Attachment{
			"p1": {{ID: "a1", PageID: "p1", Filename: "big.zip"}},
		},
		downloadErr: map[string]error{"a1": errors.New("connection reset")},
	}
	e, _ := newExporter(t, src)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Degraded(), 1)
	require.Equal(t, 1, summary.Degraded()[0].FailedDownloads)
}

func TestRenderDocumentFrontMatter(t *testing.T) {
	doc, err := renderDocument(store.Page{
		ID:      "42",
		Title:   "My Page",
		Labels:  []string{"a", "b"},
		Version: 7,
	}, "<h1>Hello</h1><p>World</p>")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(doc, "---\ntitle: My Page\nid: \"42\"\nlabels:\n  - a\n  - b\nversion: 7\n---\n\n"))
	require.Contains(t, doc, "# Hello")
	require.True(t, strings.HasSuffix(doc, "\n"))
}

func TestRenderDocumentEmptyLabels(t *testing.T) {
	doc, err := renderDocument(store.Page{ID: "1", Title: "T", Version: 1}, "<p>x</p>")
	require.NoError(t, err)
	require.Contains(t, doc, "labels: []")
}
