// Package router classifies rendered pages by request label and derives the
// follow-up requests and product records for each.
package router

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

// Selectors locate the store elements the router reads.
type Selectors struct {
	Category    string
	Product     string
	NextPage    string
	Title       string
	SKU         string
	Price       string
	PriceMarker string
	Stock       string
	StockMarker string
}

// DefaultSelectors matches the Shopify "Warehouse" theme.
func DefaultSelectors() Selectors {
	return Selectors{
		Category:    ".collection-block-item",
		Product:     ".product-item > a",
		NextPage:    "a.pagination__next",
		Title:       ".product-meta h1",
		SKU:         "span.product-meta__sku-number",
		Price:       "span.price",
		PriceMarker: "$",
		Stock:       "span.product-form__inventory",
		StockMarker: "In stock",
	}
}

// Router implements crawler.Classifier.
type Router struct {
	sel      Selectors
	maxDepth int
	anyHost  bool
	logger   *zap.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithSelectors overrides the default selectors.
func WithSelectors(sel Selectors) Option {
	return func(r *Router) { r.sel = sel }
}

// WithMaxPaginationDepth stops following "next page" links past depth. Zero means unbounded.
func WithMaxPaginationDepth(depth int) Option {
	return func(r *Router) { r.maxDepth = depth }
}

// WithAnyHost keeps derived links that point at other hosts.
func WithAnyHost() Option {
	return func(r *Router) { r.anyHost = true }
}

// WithLogger sets the logger used for skipped links.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a Router. Derived links are restricted to the page's host
// unless WithAnyHost is given.
func New(opts ...Option) *Router {
	r := &Router{sel: DefaultSelectors(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify dispatches on req.Label.
func (r *Router) Classify(req crawler.Request, page crawler.RenderedPage) (crawler.Result, error) {
	switch req.Label {
	case crawler.LabelUnlabeled:
		return crawler.Result{
			Requests: r.follow(page, r.sel.Category, crawler.LabelCategory, 0),
		}, nil
	case crawler.LabelCategory:
		return r.category(req, page), nil
	case crawler.LabelDetail:
		record, err := r.detail(req, page)
		if err != nil {
			return crawler.Result{}, err
		}
		return crawler.Result{Record: &record}, nil
	default:
		return crawler.Result{}, fmt.Errorf("%w: no handler for label %s", crawler.ErrInvariant, req.Label)
	}
}

func (r *Router) category(req crawler.Request, page crawler.RenderedPage) crawler.Result {
	out := crawler.Result{
		Requests: r.follow(page, r.sel.Product, crawler.LabelDetail, req.Depth),
	}
	next := r.follow(page, r.sel.NextPage, crawler.LabelCategory, req.Depth+1)
	if len(next) == 0 {
		return out
	}
	if r.maxDepth > 0 && req.Depth+1 > r.maxDepth {
		r.logger.Info("Pagination depth limit reached",
			zap.String("url", req.URL),
			zap.Int("depth", req.Depth),
			zap.Int("max_depth", r.maxDepth),
		)
		return out
	}
	out.Requests = append(out.Requests, next[0])
	return out
}

func (r *Router) detail(req crawler.Request, page crawler.RenderedPage) (crawler.Record, error) {
	title, ok := page.Text(r.sel.Title)
	if !ok || title == "" {
		return crawler.Record{}, fmt.Errorf("%w: title %q missing on %s", crawler.ErrExtraction, r.sel.Title, req.URL)
	}
	sku, ok := page.Text(r.sel.SKU)
	if !ok || sku == "" {
		return crawler.Record{}, fmt.Errorf("%w: sku %q missing on %s", crawler.ErrExtraction, r.sel.SKU, req.URL)
	}
	priceText, ok := page.TextContaining(r.sel.Price, r.sel.PriceMarker)
	if !ok {
		return crawler.Record{}, fmt.Errorf("%w: price %q missing on %s", crawler.ErrExtraction, r.sel.Price, req.URL)
	}
	price, err := ParsePrice(priceText, r.sel.PriceMarker)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("%w: %s: %w", crawler.ErrExtraction, req.URL, err)
	}
	return crawler.Record{
		URL:              req.URL,
		Manufacturer:     Manufacturer(req.URL),
		Title:            title,
		SKU:              sku,
		CurrentPrice:     price,
		AvailableInStock: page.Exists(r.sel.Stock, r.sel.StockMarker),
	}, nil
}

// follow turns matching links into requests, skipping other hosts unless allowed.
func (r *Router) follow(page crawler.RenderedPage, selector string, label crawler.Label, depth int) []crawler.Request {
	links := page.Links(selector)
	if len(links) == 0 {
		return nil
	}
	host := hostOf(page.URL())
	out := make([]crawler.Request, 0, len(links))
	for _, link := range links {
		if !r.anyHost && hostOf(link) != host {
			r.logger.Debug("Skipping off-host link", zap.String("url", link), zap.String("page", page.URL()))
			continue
		}
		req, err := crawler.NewRequest(link, label, depth)
		if err != nil {
			r.logger.Debug("Skipping invalid link", zap.String("url", link), zap.Error(err))
			continue
		}
		out = append(out, req)
	}
	return out
}

// Manufacturer is the first "-" token of the URL's last path segment.
func Manufacturer(rawURL string) string {
	segment := crawler.LastPathSegment(rawURL)
	head, _, _ := strings.Cut(segment, "-")
	return head
}

// ParsePrice reads the amount between the first marker and the next one,
// with thousands separators removed.
func ParsePrice(text, marker string) (float64, error) {
	_, rest, ok := strings.Cut(text, marker)
	if !ok {
		return 0, fmt.Errorf("price %q has no %q", text, marker)
	}
	amount, _, _ := strings.Cut(rest, marker)
	amount = strings.TrimSpace(strings.ReplaceAll(amount, ",", ""))
	value, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, fmt.Errorf("price %q is not an amount", text)
	}
	return value, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
