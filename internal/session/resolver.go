package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// ErrSessionResolution wraps any failure to resolve the launch decision.
var ErrSessionResolution = errors.New("session resolution failed")

// DefaultTimeout is how long a RUNNING record may go without a heartbeat
// before the next launch treats it as stalled.
const DefaultTimeout = 5 * time.Minute

// Resolution is the outcome of Resolve.
type Resolution struct {
	Session  Session
	Decision Decision
	// Previous is the record found before resolution, nil on first launch.
	Previous *Session
}

// Joined reports whether another live node already owns the session.
func (r Resolution) Joined() bool {
	return r.Decision == DecisionJoin
}

// Resolver decides how a launch relates to earlier runs of the same crawler.
type Resolver struct {
	grid     grid.Grid
	sessions *grid.JSONMap[Session]
	clock    crawler.Clock
	timeout  time.Duration
	logger   *zap.Logger
}

// NewResolver builds a Resolver. A non-positive timeout uses DefaultTimeout.
func NewResolver(g grid.Grid, clock crawler.Clock, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		grid:     g,
		sessions: grid.NewJSONMap[Session](g.Storage().Map(MapName)),
		clock:    clock,
		timeout:  timeout,
		logger:   logger,
	}
}

// Resolve reads the stored record for crawlerID, applies the decision table
// and persists the RUNNING result, all under the crawler's session lock so
// simultaneous launches on different nodes see each other's writes.
func (r *Resolver) Resolve(ctx context.Context, crawlerID string) (Resolution, error) {
	if crawlerID == "" {
		return Resolution{}, fmt.Errorf("%w: crawler id is required", ErrSessionResolution)
	}
	var res Resolution
	err := r.grid.Compute().RunOnOne(ctx, LockName(crawlerID), func(ctx context.Context) error {
		stored, ok, err := r.sessions.Get(ctx, crawlerID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		var prev *Session
		if ok {
			prev = &stored
		}
		next, decision := Decide(crawlerID, prev, r.clock.Now(), r.timeout)
		if err := r.sessions.Put(ctx, crawlerID, next); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		res = Resolution{Session: next, Decision: decision, Previous: prev}
		return nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: crawler %s: %w", ErrSessionResolution, crawlerID, err)
	}
	metrics.ObserveSessionResolution(string(res.Decision))
	r.logger.Info("session resolved",
		zap.String("crawler_id", crawlerID),
		zap.String("node", r.grid.NodeName()),
		zap.String("decision", string(res.Decision)),
		zap.String("crawl_mode", string(res.Session.CrawlMode)),
		zap.String("resume_state", string(res.Session.ResumeState)),
	)
	return res, nil
}
