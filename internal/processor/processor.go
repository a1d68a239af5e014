// Package processor turns a fetch response into a ledger outcome: checksums,
// change detection against the previous session and discovered links.
package processor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Hasher digests bodies and header fields.
type Hasher interface {
	crawler.Hasher
	HashFields(fields ...string) string
}

// Config controls link discovery.
type Config struct {
	FollowExternalLinks bool
	DisableLinks        bool
}

// Result is the processing outcome of one reference.
type Result struct {
	State           crawler.DocState
	MetaChecksum    string
	ContentChecksum string
	Links           []string
}

// Processor evaluates fetch responses.
type Processor struct {
	cfg    Config
	hasher Hasher
}

// New builds a Processor.
func New(cfg Config, hasher Hasher) *Processor {
	return &Processor{cfg: cfg, hasher: hasher}
}

// Process classifies resp for entry. cached is the previous session's entry
// for the same reference, nil when there is none.
func (p *Processor) Process(entry ledger.Entry, cached *ledger.Entry, resp crawler.FetchResponse) (Result, error) {
	switch resp.Status {
	case crawler.FetchSuccess:
	case crawler.FetchNotFound:
		if cached != nil {
			return Result{State: crawler.DocDeleted}, nil
		}
		return Result{State: crawler.DocBadStatus}, nil
	case crawler.FetchBadStatus:
		return Result{State: crawler.DocBadStatus}, nil
	default:
		return Result{State: crawler.DocError}, nil
	}

	content, err := p.hasher.Hash(resp.Body)
	if err != nil {
		return Result{State: crawler.DocError}, fmt.Errorf("hash %s: %w", entry.Reference, err)
	}
	res := Result{
		MetaChecksum:    p.MetaChecksum(resp),
		ContentChecksum: content,
	}
	switch {
	case cached == nil:
		res.State = crawler.DocNew
	case res.MetaChecksum != "" && res.MetaChecksum == cached.MetaChecksum:
		res.State = crawler.DocUnmodified
	case res.ContentChecksum == cached.ContentChecksum:
		res.State = crawler.DocUnmodified
	default:
		res.State = crawler.DocModified
	}

	if !p.cfg.DisableLinks && isHTML(resp) {
		base := resp.URL
		if base == "" {
			base = entry.Reference
		}
		res.Links, err = p.ExtractLinks(base, resp.Body)
		if err != nil {
			return res, fmt.Errorf("extract links from %s: %w", entry.Reference, err)
		}
	}
	return res, nil
}

// MetaChecksum digests the validators servers send for a resource. It is
// empty when the response carries none of them.
func (p *Processor) MetaChecksum(resp crawler.FetchResponse) string {
	if resp.Headers == nil {
		return ""
	}
	return p.hasher.HashFields(
		resp.Headers.Get("ETag"),
		resp.Headers.Get("Last-Modified"),
		resp.Headers.Get("Content-Length"),
	)
}

// ExtractLinks returns the absolute http(s) links of an HTML page, fragments
// stripped and duplicates removed, in document order.
func (p *Processor) ExtractLinks(base string, body []byte) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := baseURL.Parse(strings.TrimSpace(href)); err == nil {
			baseURL = u
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		href, _ := s.Attr("href")
		u, err := baseURL.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		if !p.cfg.FollowExternalLinks && !strings.EqualFold(u.Hostname(), baseURL.Hostname()) {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		link := u.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links, nil
}

func isHTML(resp crawler.FetchResponse) bool {
	ct := resp.ContentType
	if ct == "" && resp.Headers != nil {
		ct = resp.Headers.Get("Content-Type")
	}
	ct = strings.ToLower(ct)
	if ct == "" {
		return bytes.Contains(bytes.ToLower(headOf(resp.Body)), []byte("<html"))
	}
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func headOf(body []byte) []byte {
	if len(body) > 512 {
		return body[:512]
	}
	return body
}
