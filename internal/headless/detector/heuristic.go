// Package detector decides when a plain HTTP response should be re-fetched
// in a browser because the page renders client side.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

const defaultThreshold = 2048

// Mount points of the common single page app frameworks.
const spaSelector = `#__next, #__nuxt, #root:empty, #app:empty, [data-reactroot], [ng-version]`

// Heuristic promotes small, script-heavy HTML pages and pages carrying an SPA
// mount point.
type Heuristic struct {
	// Documents shorter than Threshold bytes are checked for script density.
	Threshold int
	// ScriptShare is the percentage of the document inside <script> tags at
	// or above which a short document is promoted.
	ScriptShare int
}

// NewHeuristic creates a detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{Threshold: threshold, ScriptShare: 25}
}

// ShouldPromote reports whether resp needs a rendering fetch.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if !resp.OK() || resp.StatusCode != 200 {
		return false
	}
	if ct := strings.ToLower(resp.ContentType); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if doc.Find(spaSelector).Length() > 0 {
		return true
	}
	if len(resp.Body) >= h.Threshold {
		return false
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(s.Text())
	})
	return scripts > 0 && scripts*100/len(resp.Body) >= h.ScriptShare
}
