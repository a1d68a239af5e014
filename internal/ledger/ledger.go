// Package ledger records the processing state of every reference a crawler
// touches. Entries live in grid maps named after the crawler id so that every
// node running the same crawler shares one ledger:
//
//	<id>.queued     waiting to be fetched
//	<id>.active     claimed by a worker
//	<id>.processed  finished in the current session
//	<id>.cached     processed set of the previous session
//	<id>.known      every reference queued in the current session
//
// A reference is in at most one of queued, active and processed. Moves
// between them go through Storage.Move and Storage.Take so they are atomic on
// every grid adapter.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/grid"
)

// ErrNotActive is returned by MarkProcessed for references no worker claimed.
var ErrNotActive = errors.New("reference is not active")

// Config bounds the ledger.
type Config struct {
	CrawlerID string
	// MaxDepth rejects deeper references at queue time. Negative means unlimited.
	MaxDepth int
	// MaxDocuments caps processed plus active references. Negative means unlimited.
	MaxDocuments int
}

// Ledger is the shared document processing ledger of one crawler.
type Ledger struct {
	grid   grid.Grid
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	queued    *grid.JSONMap[Entry]
	active    *grid.JSONMap[Entry]
	processed *grid.JSONMap[Entry]
	cached    *grid.JSONMap[Entry]
	known     grid.Map
}

// New builds a Ledger over g.
func New(g grid.Grid, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Ledger, error) {
	if strings.TrimSpace(cfg.CrawlerID) == "" {
		return nil, errors.New("ledger: crawler id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := g.Storage()
	l := &Ledger{
		grid:   g,
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("ledger"),
	}
	l.queued = grid.NewJSONMap[Entry](s.Map(l.mapName("queued")))
	l.active = grid.NewJSONMap[Entry](s.Map(l.mapName("active")))
	l.processed = grid.NewJSONMap[Entry](s.Map(l.mapName("processed")))
	l.cached = grid.NewJSONMap[Entry](s.Map(l.mapName("cached")))
	l.known = s.Map(l.mapName("known"))
	return l, nil
}

// MapNames lists the grid maps owned by the crawler, in a stable order.
func MapNames(crawlerID string) []string {
	out := make([]string, 0, 5)
	for _, suffix := range []string{"queued", "active", "processed", "cached", "known"} {
		out = append(out, crawlerID+"."+suffix)
	}
	return out
}

// StagePrefix is the pipeline stage prefix used by the crawler.
func StagePrefix(crawlerID string) string {
	return crawlerID + "."
}

func (l *Ledger) mapName(suffix string) string {
	return l.cfg.CrawlerID + "." + suffix
}

func (l *Ledger) lockName(suffix string) string {
	return "ledger:" + l.cfg.CrawlerID + ":" + suffix
}

// Init prepares the ledger for a session. A fresh session rotates the
// previous processed set into the cache and empties the working maps. A
// resumed session puts references that were active when the previous run
// died back in the queue.
func (l *Ledger) Init(ctx context.Context, resumed bool) (InitResult, error) {
	var res InitResult
	err := l.grid.Compute().RunOnOne(ctx, l.lockName("init"), func(ctx context.Context) error {
		var err error
		if resumed {
			res.Requeued, err = l.requeueActive(ctx)
		} else {
			res.Rotated, err = l.rotate(ctx)
		}
		if err != nil {
			return err
		}
		if res.QueueEmpty, err = l.IsQueueEmpty(ctx); err != nil {
			return err
		}
		res.ProcessedEmpty, err = l.IsProcessedEmpty(ctx)
		return err
	})
	if err != nil {
		return InitResult{}, fmt.Errorf("init ledger %s: %w", l.cfg.CrawlerID, err)
	}
	l.logger.Info("ledger initialized",
		zap.String("crawler_id", l.cfg.CrawlerID),
		zap.Bool("resumed", resumed),
		zap.Int("rotated", res.Rotated),
		zap.Int("requeued", res.Requeued),
		zap.Bool("queue_empty", res.QueueEmpty),
	)
	return res, nil
}

// rotate replaces the cache with the good entries of the last processed set.
// An empty processed set leaves the cache alone so an aborted run does not
// erase the previous baseline.
func (l *Ledger) rotate(ctx context.Context) (int, error) {
	size, err := l.processed.Size(ctx)
	if err != nil {
		return 0, err
	}
	rotated := 0
	if size > 0 {
		if err := l.cached.Clear(ctx); err != nil {
			return 0, fmt.Errorf("clear cache: %w", err)
		}
		var putErr error
		err := l.processed.ForEach(ctx, func(ref string, e Entry) bool {
			if !e.CrawlState.IsGoodState() {
				return true
			}
			if putErr = l.cached.Put(ctx, ref, e); putErr != nil {
				return false
			}
			rotated++
			return true
		})
		if err == nil {
			err = putErr
		}
		if err != nil {
			return 0, fmt.Errorf("rotate processed into cache: %w", err)
		}
	}
	for _, m := range []grid.Map{l.processed.Raw(), l.queued.Raw(), l.active.Raw(), l.known} {
		if err := m.Clear(ctx); err != nil {
			return 0, fmt.Errorf("clear %s: %w", m.Name(), err)
		}
	}
	if err := l.grid.Pipeline().Reset(ctx, StagePrefix(l.cfg.CrawlerID)); err != nil {
		return 0, err
	}
	return rotated, nil
}

func (l *Ledger) requeueActive(ctx context.Context) (int, error) {
	var stale []Entry
	err := l.active.ForEach(ctx, func(_ string, e Entry) bool {
		stale = append(stale, e)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}
	// A sweep interrupted by a crash is claimed again by the resumed session.
	stage := OrphansStage(l.cfg.CrawlerID)
	state, err := l.grid.Pipeline().State(ctx, stage)
	if err != nil {
		return 0, err
	}
	if state == grid.StageRunning {
		if err := l.grid.Pipeline().Reset(ctx, stage); err != nil {
			return 0, err
		}
	}
	moved := 0
	for _, e := range stale {
		e.ProcessingState = crawler.ProcessingQueued
		raw, err := grid.Encode(e)
		if err != nil {
			return moved, err
		}
		ok, err := l.grid.Storage().Move(ctx, l.active.Raw().Name(), l.queued.Raw().Name(), e.Reference, raw)
		if err != nil {
			return moved, fmt.Errorf("requeue %s: %w", e.Reference, err)
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// Queue adds a reference to the queue unless it is too deep or was already
// queued in this session.
func (l *Ledger) Queue(ctx context.Context, req QueueRequest) (QueueResult, error) {
	if strings.TrimSpace(req.Reference) == "" || req.Depth < 0 {
		return RejectedInvalid, nil
	}
	if l.cfg.MaxDepth >= 0 && req.Depth > l.cfg.MaxDepth {
		return RejectedTooDeep, nil
	}
	claimed, err := l.known.PutIfAbsent(ctx, req.Reference, []byte("1"))
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", req.Reference, err)
	}
	if !claimed {
		return RejectedDuplicate, nil
	}
	e := Entry{
		Reference:       req.Reference,
		ProcessingState: crawler.ProcessingQueued,
		Depth:           req.Depth,
		Orphan:          req.Orphan,
		ParentReference: req.Parent,
		QueuedAt:        l.clock.Now(),
	}
	if err := l.queued.Put(ctx, req.Reference, e); err != nil {
		return "", fmt.Errorf("queue %s: %w", req.Reference, err)
	}
	return Queued, nil
}

// Dequeue claims the next queued reference and marks it active. ok is false
// when the queue is empty or the document cap has been reached.
func (l *Ledger) Dequeue(ctx context.Context) (Entry, bool, error) {
	if l.cfg.MaxDocuments < 0 {
		return l.take(ctx)
	}
	var (
		e  Entry
		ok bool
	)
	err := l.grid.Compute().RunOnOne(ctx, l.lockName("dequeue"), func(ctx context.Context) error {
		reached, err := l.MaxDocumentsReached(ctx)
		if err != nil || reached {
			return err
		}
		e, ok, err = l.take(ctx)
		return err
	})
	if err != nil {
		return Entry{}, false, err
	}
	return e, ok, nil
}

func (l *Ledger) take(ctx context.Context) (Entry, bool, error) {
	ref, raw, ok, err := l.grid.Storage().Take(ctx, l.queued.Raw().Name(), l.active.Raw().Name())
	if err != nil {
		return Entry{}, false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	e, err := grid.Decode[Entry](raw)
	if err != nil {
		return Entry{}, false, err
	}
	e.Reference = ref
	e.ProcessingState = crawler.ProcessingActive
	if err := l.active.Put(ctx, ref, e); err != nil {
		return Entry{}, false, fmt.Errorf("activate %s: %w", ref, err)
	}
	return e, true, nil
}

// MarkProcessed moves an active entry to the processed map with its outcome.
func (l *Ledger) MarkProcessed(ctx context.Context, e Entry) error {
	now := l.clock.Now()
	e.ProcessingState = crawler.ProcessingProcessed
	e.ProcessedAt = &now
	raw, err := grid.Encode(e)
	if err != nil {
		return err
	}
	moved, err := l.grid.Storage().Move(ctx, l.active.Raw().Name(), l.processed.Raw().Name(), e.Reference, raw)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", e.Reference, err)
	}
	if !moved {
		return fmt.Errorf("mark processed %s: %w", e.Reference, ErrNotActive)
	}
	return nil
}

// IsQueueEmpty reports whether nothing waits in the queue.
func (l *Ledger) IsQueueEmpty(ctx context.Context) (bool, error) {
	n, err := l.QueuedCount(ctx)
	return n == 0, err
}

// IsProcessedEmpty reports whether the session has processed nothing yet.
func (l *Ledger) IsProcessedEmpty(ctx context.Context) (bool, error) {
	n, err := l.ProcessedCount(ctx)
	return n == 0, err
}

// QueuedCount returns the queue length.
func (l *Ledger) QueuedCount(ctx context.Context) (int, error) {
	return l.queued.Size(ctx)
}

// ActiveCount returns the number of references claimed by workers.
func (l *Ledger) ActiveCount(ctx context.Context) (int, error) {
	return l.active.Size(ctx)
}

// ProcessedCount returns the number of references finished in this session.
func (l *Ledger) ProcessedCount(ctx context.Context) (int, error) {
	return l.processed.Size(ctx)
}

// CachedCount returns the size of the previous session's processed set.
func (l *Ledger) CachedCount(ctx context.Context) (int, error) {
	return l.cached.Size(ctx)
}

// MaxDocumentsReached reports whether processed plus active references have
// hit the configured cap.
func (l *Ledger) MaxDocumentsReached(ctx context.Context) (bool, error) {
	if l.cfg.MaxDocuments < 0 {
		return false, nil
	}
	processed, err := l.ProcessedCount(ctx)
	if err != nil {
		return false, err
	}
	active, err := l.ActiveCount(ctx)
	if err != nil {
		return false, err
	}
	return processed+active >= l.cfg.MaxDocuments, nil
}

// Cached returns the previous session's entry for ref.
func (l *Ledger) Cached(ctx context.Context, ref string) (Entry, bool, error) {
	return l.cached.Get(ctx, ref)
}

// Processed returns the current session's entry for ref.
func (l *Ledger) Processed(ctx context.Context, ref string) (Entry, bool, error) {
	return l.processed.Get(ctx, ref)
}

// ForEachProcessed visits the processed entries of the session.
func (l *Ledger) ForEachProcessed(ctx context.Context, fn func(Entry) bool) error {
	return l.processed.ForEach(ctx, func(_ string, e Entry) bool { return fn(e) })
}

// Drop removes every ledger map of the crawler and its pipeline stages.
func (l *Ledger) Drop(ctx context.Context) error {
	for _, name := range MapNames(l.cfg.CrawlerID) {
		if err := l.grid.Storage().Map(name).Clear(ctx); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return l.grid.Pipeline().Reset(ctx, StagePrefix(l.cfg.CrawlerID))
}
