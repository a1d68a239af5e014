package processor

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/hash/sha256"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

const page = `<html><head><base href="/docs/"></head><body>
<a href="intro.html#top">intro</a>
<a href="intro.html">again</a>
<a href="http://other.example/x">external</a>
<a href="mailto:a@b.c">mail</a>
<a href="/private" rel="nofollow">hidden</a>
<a href="https://ex.com/abs">abs</a>
</body></html>`

func okResponse(body string, headers http.Header) crawler.FetchResponse {
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "text/html")
	return crawler.FetchResponse{
		URL:         "https://ex.com/index.html",
		StatusCode:  200,
		Status:      crawler.FetchSuccess,
		Headers:     headers,
		ContentType: "text/html",
		Body:        []byte(body),
	}
}

func TestProcessNewDocumentExtractsLinks(t *testing.T) {
	t.Parallel()

	p := New(Config{}, sha256.New())
	res, err := p.Process(ledger.Entry{Reference: "https://ex.com/index.html"}, nil, okResponse(page, nil))
	require.NoError(t, err)
	require.Equal(t, crawler.DocNew, res.State)
	require.NotEmpty(t, res.ContentChecksum)
	require.Empty(t, res.MetaChecksum)
	require.Equal(t, []string{"https://ex.com/docs/intro.html", "https://ex.com/abs"}, res.Links)
}

func TestProcessFollowExternal(t *testing.T) {
	t.Parallel()

	p := New(Config{FollowExternalLinks: true}, sha256.New())
	links, err := p.ExtractLinks("https://ex.com/", []byte(page))
	require.NoError(t, err)
	require.Contains(t, links, "http://other.example/x")
}

func TestProcessChangeDetection(t *testing.T) {
	t.Parallel()

	p := New(Config{DisableLinks: true}, sha256.New())
	entry := ledger.Entry{Reference: "https://ex.com/index.html"}
	first, err := p.Process(entry, nil, okResponse("v1", nil))
	require.NoError(t, err)
	cached := ledger.Entry{ContentChecksum: first.ContentChecksum, MetaChecksum: first.MetaChecksum}

	same, err := p.Process(entry, &cached, okResponse("v1", nil))
	require.NoError(t, err)
	require.Equal(t, crawler.DocUnmodified, same.State)

	changed, err := p.Process(entry, &cached, okResponse("v2", nil))
	require.NoError(t, err)
	require.Equal(t, crawler.DocModified, changed.State)
	require.Nil(t, changed.Links)
}

func TestProcessMetaChecksumShortCircuits(t *testing.T) {
	t.Parallel()

	p := New(Config{DisableLinks: true}, sha256.New())
	headers := http.Header{"Etag": {`"abc"`}}
	first, err := p.Process(ledger.Entry{}, nil, okResponse("v1", headers.Clone()))
	require.NoError(t, err)
	require.NotEmpty(t, first.MetaChecksum)

	cached := ledger.Entry{MetaChecksum: first.MetaChecksum, ContentChecksum: "stale"}
	res, err := p.Process(ledger.Entry{}, &cached, okResponse("v2", headers.Clone()))
	require.NoError(t, err)
	require.Equal(t, crawler.DocUnmodified, res.State)
}

func TestProcessFailures(t *testing.T) {
	t.Parallel()

	p := New(Config{}, sha256.New())
	cached := &ledger.Entry{ContentChecksum: "x"}
	cases := []struct {
		name   string
		status crawler.FetchStatus
		cached *ledger.Entry
		want   crawler.DocState
	}{
		{"gone and cached", crawler.FetchNotFound, cached, crawler.DocDeleted},
		{"gone never seen", crawler.FetchNotFound, nil, crawler.DocBadStatus},
		{"forbidden", crawler.FetchBadStatus, nil, crawler.DocBadStatus},
		{"transient", crawler.FetchTransient, cached, crawler.DocError},
		{"unsupported", crawler.FetchUnsupported, nil, crawler.DocError},
	}
	for _, tc := range cases {
		res, err := p.Process(ledger.Entry{}, tc.cached, crawler.FetchResponse{Status: tc.status})
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, res.State, tc.name)
	}
}
