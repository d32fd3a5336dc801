package confluence

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foomo/confluence-export/store"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append(opts, WithRequestInterval(0))
	return New(srv.URL, "DOCS", "dev@example.com", "secret", nil, opts...)
}

func TestPagesPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "dev@example.com", user)
		require.Equal(t, "secret", pass)
		require.Equal(t, "DOCS", r.URL.Query().Get("spaceKey"))

		switch r.URL.Query().Get("start") {
		case "0":
			fmt.Fprint(w, `{
				"results": [{
					"id": "100", "title": "Root",
					"version": {"number": 2},
					"metadata": {"labels": {"results": [{"name": "guide"}]}}
				}],
				"_links": {"next": "/rest/api/content?start=1"}
			}`)
		default:
			fmt.Fprint(w, `{
				"results": [{
					"id": "101", "title": "Child",
					"ancestors": [{"id": "100"}],
					"version": {"number": 1}
				}],
				"_links": {}
			}`)
		}
	})
	c := newTestClient(t, mux, WithPageLimit(1))

	pages, err := c.Pages(context.Background())
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, store.Page{ID: "100", Title: "Root", Labels: []string{"guide"}, Version: 2}, pages[0])
	require.Equal(t, store.PageID("100"), pages[1].ParentID)
}

func TestBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content/100", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "body.storage", r.URL.Query().Get("expand"))
		fmt.Fprint(w, `{"id": "100", "body": {"storage": {"value": "<p>hello</p>"}}}`)
	})
	c := newTestClient(t, mux)

	body, err := c.Body(context.Background(), "100")
	require.NoError(t, err)
	require.Equal(t, "<p>hello</p>", body)
}

func TestAttachments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content/100/child/attachment", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"results": [
				{"id": "att1", "title": "report.pdf", "_links": {"download": "/download/attachments/100/report.pdf"}},
				{"id": "att2", "title": "no-download"}
			],
			"_links": {}
		}`)
	})
	c := newTestClient(t, mux)

	atts, err := c.Attachments(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, store.Attachment{
		ID:          "att1",
		PageID:      "100",
		Filename:    "report.pdf",
		DownloadRef: "/download/attachments/100/report.pdf",
	}, atts[0])
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/download/attachments/100/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pdf-bytes")
	})
	c := newTestClient(t, mux)

	var buf bytes.Buffer
	err := c.Download(context.Background(), store.Attachment{
		Filename:    "report.pdf",
		DownloadRef: "/download/attachments/100/report.pdf",
	}, &buf)
	require.NoError(t, err)
	require.Equal(t, "pdf-bytes", buf.String())
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content/100", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"id": "100", "body": {"storage": {"value": "ok"}}}`)
	})
	c := newTestClient(t, mux)

	body, err := c.Body(context.Background(), "100")
	require.NoError(t, err)
	require.Equal(t, "ok", body)
	require.Equal(t, int32(2), calls.Load())
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/content/100", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	_, err := c.Body(context.Background(), "100")
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}
