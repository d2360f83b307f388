// Package collyfetcher renders pages with a plain HTTP GET using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/metrics"
	"github.com/JakeFAU/shopcrawl/internal/page"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawler.Fetcher and crawler.Renderer using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Fetcher over a caller-supplied transport.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	// Revisits are allowed so retries of the same URL reach the network.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Network failures, 429 and 5xx responses
// are wrapped in crawler.ErrTransient.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)

	err := f.runCollector(ctx, collector, url, &fetchErr)
	metrics.ObserveRender("colly", time.Since(start))
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

// Render fetches url and parses the body.
func (f *Fetcher) Render(ctx context.Context, url string) (crawler.RenderedPage, error) {
	resp, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	p, err := page.Parse(resp.URL, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", url, err)
	}
	return p, nil
}

func (f *Fetcher) buildCollector(start time.Time, result *crawler.FetchResponse, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = classify(r, err)
	})
}

// classify maps a colly failure onto the transient/permanent split.
func classify(r *colly.Response, err error) error {
	if r == nil || r.StatusCode == 0 {
		return crawler.Transient(err)
	}
	url := ""
	if r.Request != nil && r.Request.URL != nil {
		url = r.Request.URL.String()
	}
	statusErr := &StatusError{URL: url, StatusCode: r.StatusCode}
	if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
		return crawler.Transient(statusErr)
	}
	return statusErr
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) {
				err = crawler.Transient(err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
