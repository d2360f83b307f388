// Package auto renders with a static fetcher first and promotes to a headless
// browser when the static body looks like an unrendered script shell.
package auto

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/headless/detector"
	"github.com/JakeFAU/shopcrawl/internal/metrics"
	"github.com/JakeFAU/shopcrawl/internal/page"
)

// Detector decides whether a static fetch needs a headless render.
type Detector interface {
	Reason(p detector.Probe) string
}

// Fetcher combines a static and a headless crawler.Fetcher.
type Fetcher struct {
	static   crawler.Fetcher
	headless crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New builds an auto-promoting fetcher. A nil logger discards output.
func New(static, headless crawler.Fetcher, det Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{static: static, headless: headless, detector: det, logger: logger}
}

// Fetch returns the static response unless the detector asks for promotion.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	resp, err := f.static.Fetch(ctx, url)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	reason := f.detector.Reason(detector.Probe{StatusCode: resp.StatusCode, Body: resp.Body})
	if reason == detector.ReasonNone {
		return resp, nil
	}

	f.logger.Debug("Promoting to headless render",
		zap.String("url", url),
		zap.String("reason", reason),
	)
	metrics.ObservePromotion()
	rendered, err := f.headless.Fetch(ctx, url)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("headless promotion: %w", err)
	}
	return rendered, nil
}

// Render fetches url and parses the chosen body.
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
