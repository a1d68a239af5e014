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
		{"host with port", "example.com:8080", "example.com"},
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

func TestObserveFunctionsInitializeLazily(t *testing.T) {
	ObserveDocument("metrics-test", "NEW")
	ObserveDocument("metrics-test", "NEW")
	ObserveFetchAttempt("http", "SUCCESS", "https://metrics.example/a", 512)
	ObserveSessionResolution("metrics-test-decision")
	ObserveHeartbeat(false)
	ObserveRateLimitDelay("metrics.example", 20*time.Millisecond)
	SetQueuedReferences(7)

	if val := testutil.ToFloat64(crawlerDocumentsTotal.WithLabelValues("metrics-test", "NEW")); val != 2 {
		t.Errorf("expected 2 documents, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics.example")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerSessionResolutionsTotal.WithLabelValues("metrics-test-decision")); val != 1 {
		t.Errorf("expected one resolution, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerQueuedReferences); val != 7 {
		t.Errorf("expected queue gauge 7, got %f", val)
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
