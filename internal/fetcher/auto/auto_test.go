package auto

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/headless/detector"
)

type stubFetcher struct {
	resp  crawler.FetchResponse
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (crawler.FetchResponse, error) {
	s.calls++
	if s.err != nil {
		return crawler.FetchResponse{}, s.err
	}
	resp := s.resp
	resp.URL = url
	return resp, nil
}

func TestStaticBodyIsKept(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{resp: crawler.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><h1>Plenty of server rendered markup</h1></body></html>`),
	}}
	headless := &stubFetcher{}
	f := New(static, headless, detector.NewHeuristic(16), nil)

	p, err := f.Render(context.Background(), "https://shop.example.com/p")
	require.NoError(t, err)
	text, ok := p.Text("h1")
	require.True(t, ok)
	require.Equal(t, "Plenty of server rendered markup", text)
	require.Equal(t, 0, headless.calls)
}

func TestSPAShellIsPromoted(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{resp: crawler.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`),
	}}
	headless := &stubFetcher{resp: crawler.FetchResponse{
		StatusCode:   http.StatusOK,
		Body:         []byte(`<html><body><div id="root"><h1>Rendered</h1></div></body></html>`),
		UsedHeadless: true,
	}}
	f := New(static, headless, detector.NewHeuristic(0), nil)

	resp, err := f.Fetch(context.Background(), "https://shop.example.com/p")
	require.NoError(t, err)
	require.True(t, resp.UsedHeadless)
	require.Equal(t, 1, headless.calls)
}

func TestErrorsPropagate(t *testing.T) {
	t.Parallel()

	transient := crawler.Transient(errors.New("connection reset"))
	f := New(&stubFetcher{err: transient}, &stubFetcher{}, detector.NewHeuristic(0), nil)
	_, err := f.Render(context.Background(), "https://shop.example.com/p")
	require.True(t, crawler.IsTransient(err))

	promoted := New(
		&stubFetcher{resp: crawler.FetchResponse{StatusCode: http.StatusOK}},
		&stubFetcher{err: transient},
		detector.NewHeuristic(0),
		nil,
	)
	_, err = promoted.Fetch(context.Background(), "https://shop.example.com/p")
	require.True(t, crawler.IsTransient(err))
	require.ErrorContains(t, err, "headless promotion")
}
