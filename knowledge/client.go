// Package knowledge publishes purchased content to a knowledge-graph service and queries it back.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

const maxErrorBody = 512

// Client talks to the knowledge service:
//
//	POST {baseURL}/assets          {"content": <document>}  ->  {"reference": "..."}
//	GET  {baseURL}/assets?k=v...                            ->  {"documents": [...]}
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
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

// NewClient creates a knowledge client rooted at baseURL
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid knowledge api url: %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type publishRequest struct {
	Content premium.Document `json:"content"`
}

type publishResponse struct {
	Reference string `json:"reference"`
}

type queryResponse struct {
	Documents []premium.Document `json:"documents"`
}

// Publish stores doc and returns the reference the service assigned to it
func (c *Client) Publish(ctx context.Context, doc premium.Document) (string, error) {
	body, err := json.Marshal(publishRequest{Content: doc})
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out publishResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("publish failed: %w", err)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("publish failed: response carried no reference")
	}

	c.logger.Debug("document published", zap.String("reference", out.Reference))
	return out.Reference, nil
}

// Query returns the documents matching every filter key
func (c *Client) Query(ctx context.Context, filter map[string]string) ([]premium.Document, error) {
	params := url.Values{}
	for k, v := range filter {
		params.Set(k, v)
	}
	endpoint := c.baseURL + "/assets"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}

	var out queryResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return out.Documents, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("knowledge api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ premium.KnowledgeStore = (*Client)(nil)
