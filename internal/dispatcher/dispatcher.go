// Package dispatcher fans the document loop out over a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is one worker loop. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher runs every worker concurrently.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger.Named("dispatcher")}
}

// Run starts all workers and blocks until every one has returned. The first
// worker error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.runners) == 0 {
		return fmt.Errorf("dispatcher: no workers")
	}
	start := time.Now()
	group, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		group.Go(func() error {
			return r.Run(gctx)
		})
	}
	err := group.Wait()
	d.logger.Info("workers finished",
		zap.Int("workers", len(d.runners)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}
