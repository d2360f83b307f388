package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	collector := f.buildCollector(time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots.txt to be honored")
	}
	if !collector.AllowURLRevisit {
		t.Fatal("expected revisits to be allowed so retries reach the network")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Contains(t, collyReq.Headers.Get("Accept"), "text/html")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://shop.example.com")},
	})
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.True(t, crawler.IsTransient(fetchErr))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	req := &colly.Request{URL: mustParseURL(t, "https://shop.example.com/p")}
	tests := []struct {
		status    int
		transient bool
	}{
		{0, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			err := classify(&colly.Response{StatusCode: tt.status, Request: req}, errors.New(http.StatusText(tt.status)))
			require.Equal(t, tt.transient, crawler.IsTransient(err))
			if tt.status != 0 {
				var statusErr *StatusError
				require.ErrorAs(t, err, &statusErr)
				require.Equal(t, tt.status, statusErr.StatusCode)
			}
		})
	}
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><h1 class="product-meta__title">Widget</h1><a href="/next">n</a></body></html>`)
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	ctx := context.Background()

	resp, err := f.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "Widget")
	require.False(t, resp.UsedHeadless)

	// A second fetch of the same URL must hit the server again.
	_, err = f.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)

	page, err := f.Render(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	title, ok := page.Text("h1.product-meta__title")
	require.True(t, ok)
	require.Equal(t, "Widget", title)
	require.Equal(t, []string{srv.URL + "/next"}, page.Links("a"))

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	require.Error(t, err)
	require.False(t, crawler.IsTransient(err))

	_, err = f.Fetch(ctx, srv.URL+"/busy")
	require.True(t, crawler.IsTransient(err))

	_, err = f.Fetch(ctx, srv.URL+"/down")
	require.True(t, crawler.IsTransient(err))
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), addr+"/p")
	require.Error(t, err)
	require.True(t, crawler.IsTransient(err))
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
