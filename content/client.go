// Package content is the premium search API client used as the purchase content source.
//
// The API answers GET {baseURL}?query=...&limit=N with
//
//	{"results": [{"paperId": "...", "title": "...", "externalIds": {"DOI": "..."}, ...}]}
//
// Results are de-duplicated by DOI, then alternate id, then URL, and abstracts
// are truncated to a bounded length.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

const (
	// DefaultAbstractLimit is the maximum abstract length in characters
	DefaultAbstractLimit = 1000

	// APIKeyHeader carries the content API key
	APIKeyHeader = "X-Api-Key"

	maxErrorBody = 512
)

// Doer sends HTTP requests. *http.Client satisfies it, including one wrapped to pay 402 challenges.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client searches the premium content API
type Client struct {
	baseURL       string
	apiKey        string
	doer          Doer
	abstractLimit int
	logger        *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for searches
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithAPIKey sets the key sent in the X-Api-Key header
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithAbstractLimit sets the abstract truncation length
func WithAbstractLimit(limit int) Option {
	return func(c *Client) {
		if limit > 0 {
			c.abstractLimit = limit
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a content client for the search endpoint at baseURL
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid content api url: %q", baseURL)
	}

	c := &Client{
		baseURL:       baseURL,
		doer:          http.DefaultClient,
		abstractLimit: DefaultAbstractLimit,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// record is one search result as served by the API
type record struct {
	PaperID     string            `json:"paperId"`
	Title       string            `json:"title"`
	Authors     []author          `json:"authors"`
	Venue       string            `json:"venue"`
	Year        int               `json:"year"`
	ExternalIDs map[string]string `json:"externalIds"`
	Abstract    string            `json:"abstract"`
	URL         string            `json:"url"`
	OpenAccess  *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
}

type author struct {
	Name string `json:"name"`
}

type searchResponse struct {
	Results []record `json:"results"`
}

// Search returns up to limit de-duplicated items for query.
// A non-2xx answer or an unreadable body is an error.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]premium.ContentItem, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	params := endpoint.Query()
	params.Set("query", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("content api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	items := make([]premium.ContentItem, 0, len(decoded.Results))
	seen := make(map[string]struct{}, len(decoded.Results))
	for _, r := range decoded.Results {
		item := c.toItem(r)
		key := item.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, item)
		if limit > 0 && len(items) == limit {
			break
		}
	}

	c.logger.Debug("content search",
		zap.String("query", query),
		zap.Int("results", len(decoded.Results)),
		zap.Int("items", len(items)))
	return items, nil
}

func (c *Client) toItem(r record) premium.ContentItem {
	item := premium.ContentItem{
		ID:       r.PaperID,
		Title:    strings.TrimSpace(r.Title),
		Venue:    r.Venue,
		Year:     r.Year,
		DOI:      r.ExternalIDs["DOI"],
		AltID:    alternateID(r.ExternalIDs),
		Abstract: Truncate(r.Abstract, c.abstractLimit),
		URL:      r.URL,
	}
	for _, a := range r.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			item.Authors = append(item.Authors, name)
		}
	}
	if r.OpenAccess != nil {
		item.FullTextURL = r.OpenAccess.URL
	}
	return item
}

// alternateID prefers PubMed, then arXiv identifiers
func alternateID(ids map[string]string) string {
	for _, kind := range []string{"PubMed", "ArXiv"} {
		if id := ids[kind]; id != "" {
			return strings.ToLower(kind) + ":" + id
		}
	}
	return ""
}

// Truncate shortens s to at most limit characters, marking the cut with "..."
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}

var _ premium.ContentSource = (*Client)(nil)
