// Package page implements crawler.RenderedPage over a parsed HTML document.
package page

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

// Page is a rendered document plus the URL it was served from.
type Page struct {
	url  string
	base *url.URL
	doc  *goquery.Document
	size int
}

// Parse builds a Page from raw HTML.
func Parse(pageURL string, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	p, err := FromDocument(pageURL, doc)
	if err != nil {
		return nil, err
	}
	p.size = len(body)
	return p, nil
}

// FromDocument wraps an already parsed document.
func FromDocument(pageURL string, doc *goquery.Document) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: page url %q", crawler.ErrInvalidURL, pageURL)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = ref
		}
	}
	return &Page{url: pageURL, base: base, doc: doc}, nil
}

// URL returns the final URL of the page.
func (p *Page) URL() string { return p.url }

// Size is the byte length of the source HTML, or 0 when built from a document.
func (p *Page) Size() int { return p.size }

// Text returns the whitespace-normalized text of the first match.
func (p *Page) Text(selector string) (string, bool) {
	sel := p.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	return normalizeSpace(sel.Text()), true
}

// TextContaining returns the text of the first match whose text contains substr.
func (p *Page) TextContaining(selector, substr string) (string, bool) {
	var (
		text  string
		found bool
	)
	p.doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := normalizeSpace(s.Text())
		if strings.Contains(t, substr) {
			text, found = t, true
			return false
		}
		return true
	})
	return text, found
}

// Exists reports whether any match contains substr. An empty substr matches any element.
func (p *Page) Exists(selector, substr string) bool {
	_, ok := p.TextContaining(selector, substr)
	return ok
}

// Links resolves hrefs of matching elements against the page, keeping http(s)
// links only and dropping repeats. A matched element without an href
// contributes its first descendant link.
func (p *Page) Links(selector string) []string {
	var (
		out  []string
		seen = make(map[string]struct{})
	)
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok {
			return
		}
		abs, ok := p.resolve(href)
		if !ok {
			return
		}
		key, err := crawler.IdentityKey(abs)
		if err != nil {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func (p *Page) resolve(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := p.base.Parse(href)
	if err != nil {
		return "", false
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
