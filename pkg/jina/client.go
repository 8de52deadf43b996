// Package jina provides a client for the Jina AI reader and search API,
// used as the last-resort evidence source when a listing site is unreachable.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// Client defines the Jina AI operations.
type Client interface {
	// Read fetches a URL via Jina AI Reader and returns the markdown content.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
	// Search performs a web search via Jina AI Search and returns results.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// ReadResponse is the parsed Jina API response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the content from Jina.
type ReadData struct {
	Title   string            `json:"title"`
	URL     string            `json:"url"`
	Content string            `json:"content"`
	Images  map[string]string `json:"images,omitempty"`
}

// SearchResponse is the parsed Jina Search API response.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	Content     string            `json:"content"`
	Description string            `json:"description"`
	Images      map[string]string `json:"images,omitempty"`
}

var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)

// ImageURLs returns the result's image URLs: the image summary first (in
// key order), then any inline markdown images, without duplicates.
func (r SearchResult) ImageURLs() []string {
	return imageURLs(r.Images, r.Content)
}

// ImageURLs returns the page's image URLs, as for SearchResult.
func (d ReadData) ImageURLs() []string {
	return imageURLs(d.Images, d.Content)
}

func imageURLs(summary map[string]string, content string) []string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, k := range keys {
		add(summary[k])
	}
	for _, m := range markdownImage.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	return out
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	siteFilter string
	images     bool
}

// WithSiteFilter restricts search results to a specific domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) {
		o.siteFilter = domain
	}
}

// WithImages asks for an image summary on each result.
func WithImages() SearchOption {
	return func(o *searchOpts) {
		o.images = true
	}
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom reader base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithSearchBaseURL sets a custom search base URL.
func WithSearchBaseURL(url string) Option {
	return func(c *httpClient) {
		c.searchBaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry sets the retry policy applied to every request.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey        string
	baseURL       string
	searchBaseURL string
	http          *http.Client
	retry         resilience.RetryConfig
}

// NewClient creates a new Jina AI client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		baseURL:       "https://r.jina.ai",
		searchBaseURL: "https://s.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			JitterFraction: 0.25,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// okStatus reports whether a response code ends the retry loop successfully.
type okStatus func(code int) bool

// retryDo executes a request, retrying transient failures under the client's
// policy. It returns the body and status of the first accepted response.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request, accept okStatus) ([]byte, int, error) {
	type reply struct {
		body   []byte
		status int
	}
	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("jina", req.URL.Path)
	}

	r, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (reply, error) {
		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			return reply{}, resilience.NewTransientError(eris.Wrap(err, "jina: request"), 0)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return reply{}, resilience.NewTransientError(eris.Wrap(readErr, "jina: read response body"), resp.StatusCode)
		}
		if accept(resp.StatusCode) {
			return reply{body: body, status: resp.StatusCode}, nil
		}
		statusErr := eris.Errorf("jina: status %d: %s", resp.StatusCode, truncate(body, 256))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return reply{}, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return reply{}, resilience.NewPermanentError(statusErr, resp.StatusCode)
	})
	if err != nil {
		return nil, 0, err
	}
	return r.body, r.status, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	reqURL := fmt.Sprintf("%s/%s", c.baseURL, targetURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", "markdown")
	req.Header.Set("X-With-Images-Summary", "true")

	body, _, err := c.retryDo(ctx, req, func(code int) bool { return code == http.StatusOK })
	if err != nil {
		return nil, eris.Wrap(err, "jina: read failed")
	}

	var result ReadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "jina: unmarshal response"), 0)
	}
	return &result, nil
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	reqURL := fmt.Sprintf("%s/%s", c.searchBaseURL, url.QueryEscape(query))
	if so.siteFilter != "" {
		reqURL += "?site=" + url.QueryEscape(so.siteFilter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create search request")
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if so.images {
		req.Header.Set("X-With-Images-Summary", "true")
	}

	// Jina returns 422 when no results are available for the query.
	body, status, err := c.retryDo(ctx, req, func(code int) bool {
		return code == http.StatusOK || code == http.StatusUnprocessableEntity
	})
	if err != nil {
		return nil, eris.Wrap(err, "jina: search failed")
	}
	if status == http.StatusUnprocessableEntity {
		return &SearchResponse{Code: status}, nil
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "jina: unmarshal search response"), 0)
	}
	return &result, nil
}
