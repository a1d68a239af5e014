// Package fetch runs a reference through an ordered chain of fetchers.
//
// The first fetcher that accepts a request owns it: errors and transient
// responses are retried on that fetcher, and the chain only moves on when a
// fetcher declines. Exhausted retries never fall through to the next fetcher.
// A Promoter may hand a successful response to a rendering fetcher for a
// second pass.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// Fetcher retrieves references it knows how to handle.
type Fetcher interface {
	Name() string
	// Accept reports whether the fetcher handles req at all.
	Accept(req crawler.FetchRequest) bool
	Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)
}

// Config controls retries.
type Config struct {
	MaxRetries int
	// RetryDelay is slept before every retry.
	RetryDelay time.Duration
}

// Result is what the chain produced for a request.
type Result struct {
	// Fetcher is the name of the accepting fetcher, empty when all declined.
	Fetcher   string
	Response  crawler.FetchResponse
	Attempts  int
	Responses []crawler.FetchResponse
	// Promoted is set when Response came from the promotion fetcher.
	Promoted bool
}

// Promoter flags successful responses that need the promotion fetcher.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// MultiFetcher fans a request across an ordered fetcher chain.
type MultiFetcher struct {
	fetchers     []Fetcher
	cfg          Config
	aggregator   ResponseAggregator
	unsuccessful UnsuccessfulResponseFactory
	promoter     Promoter
	promoteTo    Fetcher
	logger       *zap.Logger
}

// Option customizes a MultiFetcher.
type Option func(*MultiFetcher)

// WithAggregator overrides the default FirstSuccessAggregator.
func WithAggregator(a ResponseAggregator) Option {
	return func(m *MultiFetcher) {
		if a != nil {
			m.aggregator = a
		}
	}
}

// WithUnsuccessfulFactory overrides how unsuccessful responses are built.
func WithUnsuccessfulFactory(f UnsuccessfulResponseFactory) Option {
	return func(m *MultiFetcher) {
		if f != nil {
			m.unsuccessful = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *MultiFetcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPromotion re-fetches with target every successful response p flags.
// The promoted response replaces the original only when it succeeds too.
func WithPromotion(p Promoter, target Fetcher) Option {
	return func(m *MultiFetcher) {
		if p != nil && target != nil {
			m.promoter = p
			m.promoteTo = target
		}
	}
}

// New builds a MultiFetcher over fetchers, tried in order.
func New(fetchers []Fetcher, cfg Config, opts ...Option) (*MultiFetcher, error) {
	if len(fetchers) == 0 {
		return nil, errors.New("fetch: at least one fetcher is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	m := &MultiFetcher{
		fetchers:     fetchers,
		cfg:          cfg,
		aggregator:   FirstSuccessAggregator{},
		unsuccessful: DefaultUnsuccessful,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("fetch")
	return m, nil
}

// Fetch runs req through the chain. It always returns a Result; the
// response of a failed fetch describes the failure.
func (m *MultiFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) Result {
	for _, f := range m.fetchers {
		if !f.Accept(req) {
			m.logger.Debug("fetcher declined", zap.String("fetcher", f.Name()), zap.String("reference", req.Reference))
			continue
		}
		return m.promote(ctx, f, req, m.fetchWith(ctx, f, req))
	}
	return Result{
		Response: m.unsuccessful.Unsuccessful(req, "no fetcher accepted the reference"),
	}
}

func (m *MultiFetcher) fetchWith(ctx context.Context, f Fetcher, req crawler.FetchRequest) Result {
	res := Result{Fetcher: f.Name()}
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.cfg.RetryDelay); err != nil {
				break
			}
		}
		resp := m.attempt(ctx, f, req)
		res.Attempts++
		res.Responses = append(res.Responses, resp)
		if !m.aggregator.Retryable(resp) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		m.logger.Debug("fetch attempt failed",
			zap.String("fetcher", f.Name()),
			zap.String("reference", req.Reference),
			zap.Int("attempt", res.Attempts),
			zap.String("status", string(resp.Status)),
			zap.Error(resp.Err),
		)
	}

	if resp, ok := m.aggregator.Aggregate(req, res.Responses); ok {
		res.Response = resp
		return res
	}
	reason := fmt.Sprintf("%s failed after %d attempts", f.Name(), res.Attempts)
	if n := len(res.Responses); n > 0 {
		last := res.Responses[n-1]
		if last.Reason != "" {
			reason += ": " + last.Reason
		}
		res.Response = m.unsuccessful.Unsuccessful(req, reason)
		res.Response.StatusCode = last.StatusCode
		res.Response.Status = last.Status
		res.Response.Err = last.Err
	} else {
		res.Response = m.unsuccessful.Unsuccessful(req, reason)
		res.Response.Err = ctx.Err()
	}
	m.logger.Warn("fetch unsuccessful",
		zap.String("fetcher", f.Name()),
		zap.String("reference", req.Reference),
		zap.Int("attempts", res.Attempts),
		zap.String("reason", reason),
	)
	return res
}

func (m *MultiFetcher) promote(ctx context.Context, from Fetcher, req crawler.FetchRequest, res Result) Result {
	if m.promoter == nil || from.Name() == m.promoteTo.Name() {
		return res
	}
	if !res.Response.OK() || !m.promoter.ShouldPromote(res.Response) {
		return res
	}
	m.logger.Debug("promoting fetch",
		zap.String("from", from.Name()),
		zap.String("to", m.promoteTo.Name()),
		zap.String("reference", req.Reference),
	)
	promoted := m.fetchWith(ctx, m.promoteTo, req)
	res.Attempts += promoted.Attempts
	res.Responses = append(res.Responses, promoted.Responses...)
	if !promoted.Response.OK() {
		return res
	}
	res.Fetcher = promoted.Fetcher
	res.Response = promoted.Response
	res.Promoted = true
	return res
}

func (m *MultiFetcher) attempt(ctx context.Context, f Fetcher, req crawler.FetchRequest) crawler.FetchResponse {
	start := time.Now()
	resp, err := f.Fetch(ctx, req)
	if resp.URL == "" {
		resp.URL = req.Reference
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	if err != nil {
		resp.Err = err
		resp.Status = crawler.ClassifyError(err)
		resp.Reason = err.Error()
	} else if resp.Status == "" {
		resp.Status = crawler.ClassifyStatusCode(resp.StatusCode)
	}
	metrics.ObserveFetchAttempt(f.Name(), string(resp.Status), req.Reference, len(resp.Body))
	return resp
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
