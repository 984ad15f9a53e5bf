// Package websearch looks queries up on DuckDuckGo's HTML endpoint and keeps
// the results that look current.
package websearch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/ragmux/internal/capability"
)

const (
	// DefaultEndpoint is DuckDuckGo's JavaScript-free search page.
	DefaultEndpoint = "https://html.duckduckgo.com/html/"

	// NoResults is returned when a search finds nothing.
	NoResults = "검색 결과가 없습니다."

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) ragmux"
)

var _ capability.Searcher = (*Client)(nil)

// Client is a rate-limited DuckDuckGo search client.
type Client struct {
	endpoint   string
	region     string
	maxResults int
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the search URL.
func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = u }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit allows perMinute requests per minute. Zero or less disables
// limiting.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

// WithRegion sets DuckDuckGo's kl region parameter, e.g. "kr-kr".
func WithRegion(region string) Option {
	return func(c *Client) { c.region = region }
}

// WithMaxResults caps the number of results kept.
func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// New creates a Client. Without options it allows 20 searches a minute and
// keeps up to 5 results.
func New(opts ...Option) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		maxResults: 5,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(3*time.Second), 1),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search runs query and returns the formatted, freshness-filtered results.
// An empty result set is not an error.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("web search: empty query")
	}
	year := c.now().Year()
	enhanced := EnhanceQuery(query, year)
	c.logger.Info("web search", "query", query, "enhanced", enhanced)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("web search rate limit: %w", err)
	}

	start := time.Now()
	results, err := c.fetch(ctx, enhanced)
	if err != nil {
		return "", err
	}
	c.logger.Info("web search completed", "results", len(results), "elapsed", time.Since(start).Round(time.Millisecond))

	if len(results) == 0 {
		return NoResults, nil
	}

	lines := make([]string, 0, len(results))
	for _, r := range results {
		if line := r.line(); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return NoResults, nil
	}
	return Format(FilterLines(lines, year)), nil
}

func (c *Client) fetch(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{"q": {query}}
	if c.region != "" {
		params.Set("kl", c.region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return parseResults(io.LimitReader(resp.Body, 1<<20), c.maxResults)
}
