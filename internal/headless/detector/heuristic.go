// Package detector decides when a static render looks incomplete and the page
// should be rendered again in a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"
)

// Reasons returned by Heuristic.Reason.
const (
	ReasonNone        = ""
	ReasonEmptyBody   = "empty_body"
	ReasonScriptHeavy = "script_heavy"
	ReasonSPAMarker   = "spa_marker"
)

// Probe is the outcome of a static fetch.
type Probe struct {
	StatusCode int
	Body       []byte
}

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	markers             [][]byte
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
}

// NewHeuristic creates a detector. Bodies shorter than threshold are checked
// for script density; extraMarkers extend the built-in SPA markers.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range append(append([]string(nil), spaMarkers...), extraMarkers...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		h.markers = append(h.markers, bytes.ToLower([]byte(m)))
	}
	return h
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(p Probe) bool {
	return h.Reason(p) != ReasonNone
}

// Reason names the first signal that triggered promotion, or ReasonNone.
// Only successful responses are considered.
func (h *Heuristic) Reason(p Probe) string {
	if h == nil || p.StatusCode != http.StatusOK {
		return ReasonNone
	}
	if len(bytes.TrimSpace(p.Body)) == 0 {
		return ReasonEmptyBody
	}
	lower := bytes.ToLower(p.Body)
	if len(lower) < h.BodyLengthThreshold && scriptCoverage(lower) >= 25 {
		return ReasonScriptHeavy
	}
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return ReasonSPAMarker
		}
	}
	return ReasonNone
}

// scriptCoverage is the percentage of body bytes inside <script> elements.
// An unterminated script counts to the end of the document.
func scriptCoverage(lower []byte) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	var (
		openTag  = []byte("<script")
		closeTag = []byte("</script>")
		covered  int
		pos      int
	)
	for pos < total {
		rel := bytes.Index(lower[pos:], openTag)
		if rel < 0 {
			break
		}
		start := pos + rel
		end := total
		if gt := bytes.IndexByte(lower[start:], '>'); gt >= 0 {
			contentStart := start + gt + 1
			if closeAt := bytes.Index(lower[contentStart:], closeTag); closeAt >= 0 {
				end = contentStart + closeAt + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
