package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/grid"
)

// OrphanHandler deletes orphans from the final sink.
type OrphanHandler interface {
	DeleteOrphan(ctx context.Context, e Entry) error
}

// OrphanHandlerFunc adapts a function to OrphanHandler.
type OrphanHandlerFunc func(ctx context.Context, e Entry) error

// DeleteOrphan calls f.
func (f OrphanHandlerFunc) DeleteOrphan(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// OrphansStage is the pipeline stage claimed by the node that sweeps orphans.
func OrphansStage(crawlerID string) string {
	return StagePrefix(crawlerID) + "orphans"
}

// OrphanSweepRunning reports whether some node is sweeping orphans right now.
func (l *Ledger) OrphanSweepRunning(ctx context.Context) (bool, error) {
	state, err := l.grid.Pipeline().State(ctx, OrphansStage(l.cfg.CrawlerID))
	if err != nil {
		return false, err
	}
	return state == grid.StageRunning, nil
}

// SweepOrphans applies strategy to every cached reference the current
// session never queued. It runs at most once per session across the cluster;
// nodes that lose the stage claim get a report with Skipped set.
func (l *Ledger) SweepOrphans(ctx context.Context, strategy crawler.OrphansStrategy, handler OrphanHandler) (OrphanReport, error) {
	report := OrphanReport{Strategy: strategy}
	stage := OrphansStage(l.cfg.CrawlerID)
	claimed, err := l.grid.Pipeline().Begin(ctx, stage)
	if err != nil {
		return report, err
	}
	if !claimed {
		report.Skipped = true
		return report, nil
	}

	err = l.grid.Compute().RunOnOne(ctx, l.lockName("orphans"), func(ctx context.Context) error {
		orphans, err := l.findOrphans(ctx)
		if err != nil {
			return err
		}
		report.Found = len(orphans)
		for _, e := range orphans {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch strategy {
			case crawler.OrphansProcess:
				res, err := l.Queue(ctx, QueueRequest{Reference: e.Reference, Depth: e.Depth, Parent: e.ParentReference, Orphan: true})
				if err != nil {
					return err
				}
				if res.Accepted() {
					report.Requeued++
				}
			case crawler.OrphansDelete:
				deleted, err := l.deleteOrphan(ctx, e, handler)
				if err != nil {
					return err
				}
				if deleted {
					report.Deleted++
				} else {
					report.Failed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("sweep orphans %s: %w", l.cfg.CrawlerID, err)
	}
	if err := l.grid.Pipeline().Complete(ctx, stage); err != nil {
		return report, err
	}
	l.logger.Info("orphans swept",
		zap.String("crawler_id", l.cfg.CrawlerID),
		zap.String("strategy", string(strategy)),
		zap.Int("found", report.Found),
		zap.Int("requeued", report.Requeued),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (l *Ledger) findOrphans(ctx context.Context) ([]Entry, error) {
	var (
		orphans []Entry
		getErr  error
	)
	err := l.cached.ForEach(ctx, func(ref string, e Entry) bool {
		_, seen, err := l.known.Get(ctx, ref)
		if err != nil {
			getErr = err
			return false
		}
		if !seen {
			e.Reference = ref
			orphans = append(orphans, e)
		}
		return true
	})
	if err == nil {
		err = getErr
	}
	if err != nil {
		return nil, fmt.Errorf("find orphans: %w", err)
	}
	return orphans, nil
}

// deleteOrphan hands e to the handler and records the outcome as processed.
// A handler failure is recorded as ERROR and does not abort the sweep.
func (l *Ledger) deleteOrphan(ctx context.Context, e Entry, handler OrphanHandler) (bool, error) {
	claimed, err := l.known.PutIfAbsent(ctx, e.Reference, []byte("1"))
	if err != nil || !claimed {
		return false, err
	}
	now := l.clock.Now()
	out := e
	out.ProcessingState = crawler.ProcessingProcessed
	out.Orphan = true
	out.ProcessedAt = &now
	out.CrawlState = crawler.DocDeleted
	out.Committed = true
	deleted := true
	if handler != nil {
		if err := handler.DeleteOrphan(ctx, e); err != nil {
			l.logger.Warn("orphan delete failed", zap.String("reference", e.Reference), zap.Error(err))
			out.CrawlState = crawler.DocError
			out.Committed = false
			deleted = false
		}
	}
	if err := l.processed.Put(ctx, e.Reference, out); err != nil {
		return false, fmt.Errorf("record orphan %s: %w", e.Reference, err)
	}
	return deleted, nil
}
