package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.Equal(t, ReasonEmptyBody, h.Reason(Probe{StatusCode: 200, Body: []byte("  \n")}))
}

func TestHeuristicSPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.Equal(t, ReasonSPAMarker, h.Reason(Probe{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}))
	require.Equal(t, ReasonSPAMarker, h.Reason(Probe{StatusCode: 200, Body: []byte(`<DIV ID="app"></DIV>`)}))

	custom := NewHeuristic(100, "shopify-section-placeholder")
	require.True(t, custom.ShouldPromote(Probe{StatusCode: 200, Body: []byte(`<div class="Shopify-Section-Placeholder">`)}))
}

func TestHeuristicScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.Equal(t, ReasonScriptHeavy,
		h.Reason(Probe{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}))

	// Unterminated scripts count to the end of the document.
	require.Equal(t, ReasonScriptHeavy,
		h.Reason(Probe{StatusCode: 200, Body: []byte(`<p>hi</p><script src="x.js">window.boot()`)}))
}

func TestHeuristicLeavesStaticStorePagesAlone(t *testing.T) {
	t.Parallel()

	body := `<html><body><div class="product-meta"><h1>MKE 440</h1></div>` +
		strings.Repeat(`<div class="product-item"><a href="/products/x">x</a></div>`, 60) +
		`<script>analytics()</script></body></html>`
	h := NewHeuristic(2048)
	require.False(t, h.ShouldPromote(Probe{StatusCode: 200, Body: []byte(body)}))
}

func TestHeuristicDisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.ShouldPromote(Probe{StatusCode: 404, Body: []byte("not found")}))

	var nilDetector *Heuristic
	require.False(t, nilDetector.ShouldPromote(Probe{StatusCode: 200}))
}
