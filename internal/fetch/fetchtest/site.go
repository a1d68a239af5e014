// Package fetchtest provides an in-memory fetcher serving canned pages.
package fetchtest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// Site is a fetch.Fetcher that serves registered pages, statuses and errors.
// Unregistered references answer 404.
type Site struct {
	mu     sync.Mutex
	pages  map[string]string
	status map[string]int
	errs   map[string]error
	hits   map[string]int
}

// NewSite returns an empty Site.
func NewSite() *Site {
	return &Site{
		pages:  map[string]string{},
		status: map[string]int{},
		errs:   map[string]error{},
		hits:   map[string]int{},
	}
}

// Page registers ref as an HTML page linking to links.
func (s *Site) Page(ref string, links ...string) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, l, l)
	}
	b.WriteString("</body></html>")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[ref] = b.String()
	delete(s.status, ref)
	delete(s.errs, ref)
}

// Status makes ref answer with an empty body and code.
func (s *Site) Status(ref string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[ref] = code
}

// Fail makes every fetch of ref return err.
func (s *Site) Fail(ref string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[ref] = err
}

// Hits returns how many times ref was fetched.
func (s *Site) Hits(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[ref]
}

// Name implements fetch.Fetcher.
func (s *Site) Name() string { return "site" }

// Accept implements fetch.Fetcher.
func (s *Site) Accept(crawler.FetchRequest) bool { return true }

// Fetch implements fetch.Fetcher.
func (s *Site) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[req.Reference]++
	if err := s.errs[req.Reference]; err != nil {
		return crawler.FetchResponse{}, err
	}
	if code, ok := s.status[req.Reference]; ok {
		return crawler.FetchResponse{StatusCode: code}, nil
	}
	body, ok := s.pages[req.Reference]
	if !ok {
		return crawler.FetchResponse{StatusCode: http.StatusNotFound}, nil
	}
	return crawler.FetchResponse{
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Headers:     http.Header{"Content-Type": {"text/html"}},
		Body:        []byte(body),
	}, nil
}
