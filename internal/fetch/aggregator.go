package fetch

import (
	"net/http"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// ResponseAggregator classifies attempts and picks the response a fetch
// ultimately returns.
type ResponseAggregator interface {
	// Retryable reports whether resp should be attempted again.
	Retryable(resp crawler.FetchResponse) bool
	// Aggregate picks the final response from every attempt, in order. ok is
	// false when none is acceptable.
	Aggregate(req crawler.FetchRequest, responses []crawler.FetchResponse) (crawler.FetchResponse, bool)
}

// FirstSuccessAggregator retries transient responses and keeps the first
// successful one. A definitive failure such as NOT_FOUND or BAD_STATUS is
// acceptable too: it is the answer, not a reason to give up.
type FirstSuccessAggregator struct{}

// Retryable implements ResponseAggregator.
func (FirstSuccessAggregator) Retryable(resp crawler.FetchResponse) bool {
	return resp.Status == crawler.FetchTransient
}

// Aggregate implements ResponseAggregator.
func (FirstSuccessAggregator) Aggregate(_ crawler.FetchRequest, responses []crawler.FetchResponse) (crawler.FetchResponse, bool) {
	for _, resp := range responses {
		if resp.OK() {
			return resp, true
		}
	}
	if n := len(responses); n > 0 {
		last := responses[n-1]
		if last.Err == nil && (last.Status == crawler.FetchNotFound || last.Status == crawler.FetchBadStatus) {
			return last, true
		}
	}
	return crawler.FetchResponse{}, false
}

// UnsuccessfulResponseFactory builds the response returned when nothing
// acceptable came back.
type UnsuccessfulResponseFactory interface {
	Unsuccessful(req crawler.FetchRequest, reason string) crawler.FetchResponse
}

// UnsuccessfulFunc adapts a function to UnsuccessfulResponseFactory.
type UnsuccessfulFunc func(req crawler.FetchRequest, reason string) crawler.FetchResponse

// Unsuccessful calls f.
func (f UnsuccessfulFunc) Unsuccessful(req crawler.FetchRequest, reason string) crawler.FetchResponse {
	return f(req, reason)
}

// DefaultUnsuccessful marks the reference as not fetched.
var DefaultUnsuccessful = UnsuccessfulFunc(func(req crawler.FetchRequest, reason string) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:    req.Reference,
		Status: crawler.FetchUnsupported,
		Reason: reason,
		Headers: http.Header{
			"X-Crawler-Fetch-Result": []string{"unsuccessful"},
		},
	}
})
