// Package export drives a full space export: build the reference store,
// resolve the output hierarchy, then fetch, rewrite, convert and write every
// page through a bounded worker pool.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foomo/confluence-export/hierarchy"
	"github.com/foomo/confluence-export/rewrite"
	"github.com/foomo/confluence-export/store"
)

// Source supplies the raw space data. The REST client implements it; tests
// use in-memory fakes.
type Source interface {
	Pages(ctx context.Context) ([]store.Page, error)
	Body(ctx context.Context, id store.PageID) (string, error)
	Attachments(ctx context.Context, id store.PageID) ([]store.Attachment, error)
	Download(ctx context.Context, att store.Attachment, w io.Writer) error
}

type Config struct {
	OutputDir string
	BaseURL   string
	SpaceKey  string
	Workers   int
}

// Status tracks how far a page made it through the pipeline.
type Status string

const (
	StatusPending               Status = "pending"
	StatusMetadataFetched       Status = "metadata-fetched"
	StatusAttachmentsDownloaded Status = "attachments-downloaded"
	StatusContentRewritten      Status = "content-rewritten"
	StatusConverted             Status = "converted"
	StatusWritten               Status = "written"
)

type PageResult struct {
	ID              store.PageID
	Title           string
	Path            string
	Status          Status
	UnresolvedLinks int
	FailedDownloads int
	Err             error
}

// Summary enumerates the outcome of every page of a run. A page is degraded
// when it was written but some of its references could not be rewritten or
// some of its attachments failed to download.
type Summary struct {
	Results []PageResult
}

func (s *Summary) Succeeded() []PageResult {
	return s.filter(func(r PageResult) bool {
		return r.Status == StatusWritten && r.UnresolvedLinks == 0 && r.FailedDownloads == 0
	})
}

func (s *Summary) Degraded() []PageResult {
	return s.filter(func(r PageResult) bool {
		return r.Status == StatusWritten && (r.UnresolvedLinks > 0 || r.FailedDownloads > 0)
	})
}

func (s *Summary) Skipped() []PageResult {
	return s.filter(func(r PageResult) bool {
		return r.Status != StatusWritten
	})
}

func (s *Summary) filter(keep func(PageResult) bool) []PageResult {
	var out []PageResult
	for _, r := range s.Results {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

type Exporter struct {
	source Source
	cfg    Config
	logger *zap.Logger
}

func New(source Source, cfg Config, logger *zap.Logger) *Exporter {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{source: source, cfg: cfg, logger: logger}
}

// Run exports the whole space. Only hierarchy failures (a cycle in the
// parent graph) abort the run; per-page errors are recorded in the summary
// and the remaining pages continue. Nothing is written before the full
// hierarchy resolves.
func (e *Exporter) Run(ctx context.Context) (*Summary, error) {
	pages, err := e.source.Pages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page list: %w", err)
	}
	e.logger.Info("fetched page list", zap.Int("pages", len(pages)))

	attachmentsByPage := make(map[store.PageID][]store.Attachment)
	for _, p := range pages {
		atts, err := e.source.Attachments(ctx, p.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("failed to list attachments",
				zap.String("page", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		if len(atts) > 0 {
			attachmentsByPage[p.ID] = atts
		}
	}

	st := store.Load(pages, attachmentsByPage)
	paths, err := hierarchy.Resolve(st)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve page hierarchy: %w", err)
	}

	attachmentPaths := make(map[store.PageID]map[string]string, len(paths))
	for id, rp := range paths {
		if atts := st.Attachments(id); len(atts) > 0 {
			attachmentPaths[id] = hierarchy.AttachmentPaths(rp, id, atts)
		}
	}
	rewriter := rewrite.New(st, paths, attachmentPaths, rewrite.Config{
		BaseURL:  e.cfg.BaseURL,
		SpaceKey: e.cfg.SpaceKey,
	}, e.logger)

	// the path map is final; per-page work is independent from here on
	results := make([]PageResult, len(pages))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, p := range pages {
		g.Go(func() error {
			results[i] = e.exportPage(ctx, p, st, paths[p.ID], attachmentPaths[p.ID], rewriter)
			if results[i].Err != nil {
				e.logger.Warn("page skipped",
					zap.String("page", string(p.ID)),
					zap.String("title", p.Title),
					zap.String("status", string(results[i].Status)),
					zap.Error(results[i].Err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary := &Summary{Results: results}
	e.logger.Info("export finished",
		zap.Int("succeeded", len(summary.Succeeded())),
		zap.Int("degraded", len(summary.Degraded())),
		zap.Int("skipped", len(summary.Skipped())),
	)
	return summary, nil
}

func (e *Exporter) exportPage(
	ctx context.Context,
	p store.Page,
	st *store.Store,
	resolved hierarchy.ResolvedPath,
	attachmentPaths map[string]string,
	rewriter *rewrite.Rewriter,
) PageResult {
	res := PageResult{ID: p.ID, Title: p.Title, Path: resolved.FilePath(), Status: StatusPending}

	body, err := e.source.Body(ctx, p.ID)
	if err != nil {
		res.Err = fmt.Errorf("failed to fetch page body: %w", err)
		return res
	}
	res.Status = StatusMetadataFetched

	for _, att := range st.Attachments(p.ID) {
		local, ok := attachmentPaths[att.ID]
		if !ok {
			continue
		}
		if err := e.downloadAttachment(ctx, att, local); err != nil {
			res.FailedDownloads++
			e.logger.Warn("attachment download failed",
				zap.String("page", string(p.ID)),
				zap.String("filename", att.Filename),
				zap.Error(err),
			)
		}
	}
	res.Status = StatusAttachmentsDownloaded

	rewritten, report, err := rewriter.Rewrite(p.ID, body)
	if err != nil {
		res.Err = err
		return res
	}
	res.UnresolvedLinks = report.UnresolvedLinks
	res.Status = StatusContentRewritten

	doc, err := renderDocument(p, rewritten)
	if err != nil {
		res.Err = err
		return res
	}
	res.Status = StatusConverted

	dest := filepath.Join(e.cfg.OutputDir, filepath.FromSlash(resolved.FilePath()))
	if err := writeFile(dest, func(w io.Writer) error {
		_, err := io.WriteString(w, doc)
		return err
	}); err != nil {
		res.Err = fmt.Errorf("failed to write page file: %w", err)
		return res
	}
	res.Status = StatusWritten
	e.logger.Info("page written",
		zap.String("page", string(p.ID)),
		zap.String("path", res.Path),
	)
	return res
}

func (e *Exporter) downloadAttachment(ctx context.Context, att store.Attachment, local string) error {
	dest := filepath.Join(e.cfg.OutputDir, filepath.FromSlash(local))
	return writeFile(dest, func(w io.Writer) error {
		return e.source.Download(ctx, att, w)
	})
}

// writeFile creates parent directories idempotently and guarantees the file
// handle is closed on every exit path. Close errors surface so short writes
// are not reported as success.
func writeFile(dest string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", filepath.Dir(dest), err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dest, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", dest, err)
	}
	return nil
}
