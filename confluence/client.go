// Package confluence is the REST client supplying raw space data to the
// export pipeline: the paginated page listing, per-page bodies in storage
// format, attachment metadata and attachment bytes.
package confluence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/foomo/confluence-export/store"
)

const defaultPageLimit = 50

type Client struct {
	baseURL    string
	spaceKey   string
	email      string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageLimit  int
	attempts   uint
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

func WithPageLimit(limit int) Option {
	return func(client *Client) { client.pageLimit = limit }
}

// WithRequestInterval paces requests against the source, one per interval.
func WithRequestInterval(d time.Duration) Option {
	return func(client *Client) { client.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func WithRetryAttempts(n uint) Option {
	return func(client *Client) { client.attempts = n }
}

func New(baseURL, spaceKey, email, token string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		spaceKey:   spaceKey,
		email:      email,
		token:      token,
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		pageLimit:  defaultPageLimit,
		attempts:   3,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type contentList struct {
	Results []content `json:"results"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

type content struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Ancestors []struct {
		ID string `json:"id"`
	} `json:"ancestors"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Metadata struct {
		Labels struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		} `json:"labels"`
	} `json:"metadata"`
	Links struct {
		Download string `json:"download"`
	} `json:"_links"`
}

func (c content) labels() []string {
	var labels []string
	for _, l := range c.Metadata.Labels.Results {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}
	return labels
}

// Pages fetches the full page listing of the space, following pagination
// until the source reports no next batch. The parent id of a page is the
// last entry of its ancestor chain.
func (c *Client) Pages(ctx context.Context) ([]store.Page, error) {
	var pages []store.Page
	start := 0
	for {
		params := url.Values{
			"spaceKey": {c.spaceKey},
			"type":     {"page"},
			"limit":    {strconv.Itoa(c.pageLimit)},
			"start":    {strconv.Itoa(start)},
			"expand":   {"ancestors,version,metadata.labels"},
		}
		var batch contentList
		if err := c.getJSON(ctx, "/rest/api/content", params, &batch); err != nil {
			return nil, fmt.Errorf("failed to fetch page listing: %w", err)
		}
		for _, item := range batch.Results {
			page := store.Page{
				ID:      store.PageID(item.ID),
				Title:   item.Title,
				Labels:  item.labels(),
				Version: item.Version.Number,
			}
			if n := len(item.Ancestors); n > 0 {
				page.ParentID = store.PageID(item.Ancestors[n-1].ID)
			}
			pages = append(pages, page)
		}
		c.logger.Debug("fetched page batch",
			zap.Int("batch", len(batch.Results)),
			zap.Int("total", len(pages)),
		)
		if batch.Links.Next == "" {
			break
		}
		start += c.pageLimit
	}
	return pages, nil
}

// Body fetches the storage-format body of one page.
func (c *Client) Body(ctx context.Context, id store.PageID) (string, error) {
	params := url.Values{
		"expand": {"body.storage"},
	}
	var item content
	if err := c.getJSON(ctx, "/rest/api/content/"+url.PathEscape(string(id)), params, &item); err != nil {
		return "", fmt.Errorf("failed to fetch page %q: %w", id, err)
	}
	return item.Body.Storage.Value, nil
}

// Page fetches the full metadata of one page, including labels.
func (c *Client) Page(ctx context.Context, id store.PageID) (store.Page, error) {
	params := url.Values{
		"expand": {"version,metadata.labels,ancestors"},
	}
	var item content
	if err := c.getJSON(ctx, "/rest/api/content/"+url.PathEscape(string(id)), params, &item); err != nil {
		return store.Page{}, fmt.Errorf("failed to fetch page %q: %w", id, err)
	}
	page := store.Page{
		ID:      store.PageID(item.ID),
		Title:   item.Title,
		Labels:  item.labels(),
		Version: item.Version.Number,
	}
	if n := len(item.Ancestors); n > 0 {
		page.ParentID = store.PageID(item.Ancestors[n-1].ID)
	}
	return page, nil
}

// Attachments fetches the attachment metadata of one page, paginated like
// the page listing.
func (c *Client) Attachments(ctx context.Context, id store.PageID) ([]store.Attachment, error) {
	var atts []store.Attachment
	start := 0
	for {
		params := url.Values{
			"limit": {strconv.Itoa(c.pageLimit)},
			"start": {strconv.Itoa(start)},
		}
		var batch contentList
		path := "/rest/api/content/" + url.PathEscape(string(id)) + "/child/attachment"
		if err := c.getJSON(ctx, path, params, &batch); err != nil {
			return nil, fmt.Errorf("failed to fetch attachments of page %q: %w", id, err)
		}
		for _, item := range batch.Results {
			if item.Links.Download == "" {
				continue
			}
			atts = append(atts, store.Attachment{
				ID:          item.ID,
				PageID:      id,
				Filename:    item.Title,
				DownloadRef: item.Links.Download,
			})
		}
		if batch.Links.Next == "" {
			break
		}
		start += c.pageLimit
	}
	return atts, nil
}

// Download streams the attachment bytes into w.
func (c *Client) Download(ctx context.Context, att store.Attachment, w io.Writer) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+att.DownloadRef, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download attachment %q: %w", att.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attachment download failed with status: %d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to download attachment %q: %w", att.Filename, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	requestURL := c.baseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
			}
			req.SetBasicAuth(c.email, c.token)
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("failed to decode response: %w", err))
				}
				return nil
			case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("request failed with status: %d", resp.StatusCode)
			default:
				return retry.Unrecoverable(fmt.Errorf("request failed with status: %d", resp.StatusCode))
			}
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying request",
				zap.String("url", requestURL),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}
