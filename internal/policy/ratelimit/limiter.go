// Package ratelimit keeps fetchers polite with one token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// HostLimit overrides the default bucket for one host.
type HostLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting for the hosts it applies to.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Hosts        map[string]HostLimit
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	defaults  HostLimit
	overrides map[string]HostLimit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	overrides := make(map[string]HostLimit, len(cfg.Hosts))
	for host, hl := range cfg.Hosts {
		overrides[strings.ToLower(host)] = hl
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		defaults:  HostLimit{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		overrides: overrides,
	}
}

// Wait blocks until a token is available for the reference's host.
func (l *Limiter) Wait(ctx context.Context, reference string) error {
	host := hostOf(reference)
	limiter := l.bucket(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	hl, ok := l.overrides[host]
	if !ok {
		hl = l.defaults
	}
	r := rate.Limit(hl.RPS)
	if hl.RPS <= 0 {
		r = rate.Inf
	}
	burst := hl.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(r, burst)
	l.limiters[host] = limiter
	return limiter
}

func hostOf(reference string) string {
	u, err := url.Parse(reference)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
