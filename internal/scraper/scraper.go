package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client sends requests to the upstream scraping provider. The API key is
// held by the process and never surfaces in errors, logs, or relayed bodies.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config holds configuration for the scraping provider client.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.firecrawl.dev
	RequestTimeout time.Duration
	// RequestsPerSecond caps outbound calls across all users so one burst of
	// gateway traffic cannot hammer the provider. Zero disables the cap.
	RequestsPerSecond float64
	BurstSize         int
}

// Result carries the upstream HTTP status and raw JSON body, relayed to the
// caller verbatim.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// TransportError marks failures that never produced an upstream status:
// DNS, TLS, timeouts. Callers map these to a generic unavailability error.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("scraper: %s transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// New creates a Client instance.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("scraper: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.firecrawl.dev"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}, nil
}

// ScrapeLocation narrows a scrape to a geography and language set.
type ScrapeLocation struct {
	Country   string   `json:"country,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// ScrapeOptions is the fixed set of recognized scrape fields.
type ScrapeOptions struct {
	// Formats from {markdown, html, rawHtml, links, screenshot, summary, json}.
	Formats         []string        `json:"formats,omitempty"`
	OnlyMainContent *bool           `json:"onlyMainContent,omitempty"`
	WaitFor         int             `json:"waitFor,omitempty"` // milliseconds
	Location        *ScrapeLocation `json:"location,omitempty"`
	// JSONSchema accompanies the "json" format for structured extraction.
	JSONSchema json.RawMessage `json:"jsonOptions,omitempty"`
}

// SearchOptions is the fixed set of recognized search fields.
type SearchOptions struct {
	Limit         int      `json:"limit,omitempty"`
	Lang          string   `json:"lang,omitempty"`
	Country       string   `json:"country,omitempty"`
	TimeRange     string   `json:"tbs,omitempty"`
	ScrapeFormats []string `json:"-"`
}

// MapOptions is the fixed set of recognized map fields.
type MapOptions struct {
	Search            string `json:"search,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	IncludeSubdomains *bool  `json:"includeSubdomains,omitempty"`
}

// CrawlOptions is the fixed set of recognized crawl fields.
type CrawlOptions struct {
	Limit        int      `json:"limit,omitempty"`
	MaxDepth     int      `json:"maxDepth,omitempty"`
	IncludePaths []string `json:"includePaths,omitempty"`
	ExcludePaths []string `json:"excludePaths,omitempty"`
}

// Scrape fetches a single URL through the provider.
func (c *Client) Scrape(ctx context.Context, url string, opts ScrapeOptions) (*Result, error) {
	payload := map[string]any{"url": url}
	mergeJSON(payload, opts)
	return c.post(ctx, "scrape", "/v1/scrape", payload)
}

// Search runs a web search, optionally scraping each hit.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) (*Result, error) {
	payload := map[string]any{"query": query}
	mergeJSON(payload, opts)
	if len(opts.ScrapeFormats) > 0 {
		payload["scrapeOptions"] = map[string]any{"formats": opts.ScrapeFormats}
	}
	return c.post(ctx, "search", "/v1/search", payload)
}

// Map discovers the URLs of a site.
func (c *Client) Map(ctx context.Context, url string, opts MapOptions) (*Result, error) {
	payload := map[string]any{"url": url}
	mergeJSON(payload, opts)
	return c.post(ctx, "map", "/v1/map", payload)
}

// Crawl starts a crawl job rooted at the URL.
func (c *Client) Crawl(ctx context.Context, url string, opts CrawlOptions) (*Result, error) {
	payload := map[string]any{"url": url}
	mergeJSON(payload, opts)
	return c.post(ctx, "crawl", "/v1/crawl", payload)
}

func (c *Client) post(ctx context.Context, op, path string, payload map[string]any) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("scraper: marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scraper: create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// err may embed the request URL but never the Authorization header.
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		// Non-JSON upstream bodies are relayed as a JSON string so the
		// gateway's response stays well formed.
		raw, _ = json.Marshal(map[string]any{"raw": "upstream returned non-JSON body"})
	}
	return &Result{StatusCode: resp.StatusCode, Body: raw}, nil
}

// mergeJSON flattens the options struct into the payload map via its JSON tags.
func mergeJSON(payload map[string]any, opts any) {
	b, err := json.Marshal(opts)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return
	}
	for k, v := range m {
		payload[k] = v
	}
}
