package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second}, nil)
	req := crawler.FetchRequest{
		Reference: "https://example.com",
		Headers:   http.Header{"X-Trace": {"yes"}},
	}

	collector := f.buildCollector(req, time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be honored")
	}
	if !collector.AllowURLRevisit {
		t.Fatal("retries need to revisit the same url")
	}
}

func TestAccept(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	require.True(t, f.Accept(crawler.FetchRequest{Reference: "http://ex/a"}))
	require.True(t, f.Accept(crawler.FetchRequest{Reference: "HTTPS://ex/a"}))
	require.False(t, f.Accept(crawler.FetchRequest{Reference: "file:///etc/hosts"}))
	require.False(t, f.Accept(crawler.FetchRequest{Reference: "ex/a"}))
	require.Equal(t, "http", f.Name())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := crawler.FetchRequest{
		Reference: "https://example.com",
		Headers:   http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ContentType != "text/html" {
		t.Fatalf("expected content type copied, got %q", result.ContentType)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second}, nil)
	cases := map[string]crawler.FetchStatus{
		"/ok":     crawler.FetchSuccess,
		"/gone":   crawler.FetchNotFound,
		"/busy":   crawler.FetchTransient,
		"/secret": crawler.FetchBadStatus,
	}
	for path, want := range cases {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{Reference: srv.URL + path})
		require.NoError(t, err, path)
		require.Equal(t, want, resp.Status, path)
	}

	// Fetching the same url twice must not be refused as already visited.
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{Reference: srv.URL + "/ok"})
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(resp.Body))
	require.Equal(t, "text/html", resp.ContentType)
}

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	f := New(Config{}, waiter)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Reference: srv.URL})
	require.NoError(t, err)
	require.Equal(t, int32(1), waiter.calls.Load())
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
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
