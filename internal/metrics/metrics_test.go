package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerBytesTotal == nil ||
		crawlerEnqueueTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	ObservePage("https://Shop.Example.com/products/a", "detail", "success", 512)
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("shop.example.com", "detail", "success")); val < 1 {
		t.Errorf("expected page counter to be incremented, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("shop.example.com")); val < 512 {
		t.Errorf("expected byte counter >= 512, got %f", val)
	}

	before := testutil.ToFloat64(crawlerEnqueueTotal.WithLabelValues("category", "added"))
	ObserveEnqueue("category", "added")
	if val := testutil.ToFloat64(crawlerEnqueueTotal.WithLabelValues("category", "added")); val != before+1 {
		t.Errorf("expected enqueue counter %f, got %f", before+1, val)
	}

	SetQueueEntries(3, 1, 7, 2)
	if val := testutil.ToFloat64(crawlerQueueEntries.WithLabelValues("resolved")); val != 7 {
		t.Errorf("expected resolved gauge 7, got %f", val)
	}

	IncInflight()
	IncInflight()
	DecInflight()
	if val := testutil.ToFloat64(crawlerInflight); val < 1 {
		t.Errorf("expected inflight gauge >= 1, got %f", val)
	}
	DecInflight()

	ObserveRender("colly", 150*time.Millisecond)
	if val := testutil.CollectAndCount(crawlerRenderDurationSeconds); val <= 0 {
		t.Errorf("expected render histogram to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
