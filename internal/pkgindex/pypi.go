// SPDX-License-Identifier: MPL-2.0

package pkgindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Python Package Index.
	DefaultBaseURL = "https://pypi.org"

	simpleJSONType = "application/vnd.pypi.simple.v1+json"

	// maxJSONResponseBytes bounds per-project metadata responses (10 MB).
	maxJSONResponseBytes = 10 << 20

	// maxListingBytes bounds the full project listing, which is large on
	// the public index (256 MB).
	maxListingBytes = 256 << 20
)

// ErrRateLimited is returned when the index answers 429 Too Many Requests.
var ErrRateLimited = errors.New("package index rate limit exceeded")

type (
	// PyPI is an Index backed by a PEP 691 JSON simple API and the
	// per-project JSON endpoint.
	PyPI struct {
		httpClient *http.Client
		baseURL    string
		userAgent  string
		limiter    *rate.Limiter

		listing singleflight.Group
		mu      sync.Mutex
		names   *nameList
	}

	// ClientOption configures a PyPI client during construction.
	ClientOption func(*PyPI)

	simpleListing struct {
		Projects []struct {
			Name string `json:"name"`
		} `json:"projects"`
	}
)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxies.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(p *PyPI) {
		p.httpClient = c
	}
}

// WithBaseURL points the client at another index, such as a private mirror
// or a test server. A trailing "/simple" is accepted and stripped.
func WithBaseURL(base string) ClientOption {
	return func(p *PyPI) {
		base = strings.TrimRight(base, "/")
		p.baseURL = strings.TrimSuffix(base, "/simple")
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(p *PyPI) {
		p.userAgent = ua
	}
}

// WithRateLimit caps requests per second. Zero or less disables limiting.
func WithRateLimit(perSecond float64) ClientOption {
	return func(p *PyPI) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewPyPI creates a client with defaults: the public index, a limit of
// 5 requests per second and http.DefaultClient.
func NewPyPI(opts ...ClientOption) *PyPI {
	p := &PyPI{
		httpClient: http.DefaultClient,
		baseURL:    DefaultBaseURL,
		userAgent:  "relic/dev",
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Search implements Index. The full project listing is fetched once and
// cached; concurrent first calls share a single request.
func (p *PyPI) Search(ctx context.Context, name string) ([]string, error) {
	list, err := p.projects(ctx)
	if err != nil {
		return nil, err
	}
	return list.similar(name), nil
}

// Exists implements Index using the per-project JSON endpoint.
func (p *PyPI) Exists(ctx context.Context, name string) (bool, error) {
	norm := Normalize(name)
	if norm == "" {
		return false, nil
	}
	reqURL := fmt.Sprintf("%s/pypi/%s/json", p.baseURL, url.PathEscape(norm))

	resp, err := p.doRequest(ctx, reqURL, "application/json")
	if err != nil {
		return false, fmt.Errorf("checking project %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJSONResponseBytes))

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusTooManyRequests:
		return false, ErrRateLimited
	default:
		return false, fmt.Errorf("checking project %s: unexpected status %d", name, resp.StatusCode)
	}
}

func (p *PyPI) projects(ctx context.Context) (*nameList, error) {
	p.mu.Lock()
	cached := p.names
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := p.listing.Do("projects", func() (any, error) {
		list, err := p.fetchListing(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.names = list
		p.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*nameList), nil
}

func (p *PyPI) fetchListing(ctx context.Context) (*nameList, error) {
	resp, err := p.doRequest(ctx, p.baseURL+"/simple/", simpleJSONType)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("listing projects: unexpected status %d", resp.StatusCode)
	}

	var raw simpleListing
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxListingBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("listing projects: decoding response: %w", err)
	}
	names := make([]string, 0, len(raw.Projects))
	for _, pr := range raw.Projects {
		names = append(names, pr.Name)
	}
	list := newNameList(names)
	return &list, nil
}

// doRequest waits for the rate limiter, then issues a GET.
func (p *PyPI) doRequest(ctx context.Context, reqURL, accept string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}
