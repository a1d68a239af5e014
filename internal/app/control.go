package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/crawl"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
	"github.com/JakeFAU/gridcrawler/internal/logging"
)

// Control is a grid-only handle for commands that signal running nodes. It
// never builds fetchers, committers or the event hub, so an outage in any of
// them cannot block a stop.
type Control struct {
	cfg    config.Config
	logger *zap.Logger
	grid   grid.Grid
}

// OpenControl opens the grid described by cfg and nothing else.
func OpenControl(ctx context.Context, cfg config.Config, opts ...Option) (_ *Control, err error) {
	if cfg.Crawler.ID == "" {
		return nil, errors.New("control: crawler id is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	node := cfg.Grid.Node
	if node == "" {
		if node, err = uuid.New().NodeName(); err != nil {
			return nil, fmt.Errorf("node name: %w", err)
		}
	}
	a := &App{cfg: cfg, logger: logging.ForNode(logger, cfg.Crawler.ID, node).Named("control")}
	g, err := setupGrid(ctx, a, node)
	if err != nil {
		return nil, err
	}
	return &Control{cfg: cfg, logger: a.logger, grid: g}, nil
}

// Stop raises the crawler's stop flag on the grid.
func (c *Control) Stop(ctx context.Context) error {
	return crawl.RequestStop(ctx, c.grid, c.cfg.Crawler.ID, system.New(), c.logger)
}

// Close releases the grid.
func (c *Control) Close(context.Context) error {
	if err := c.grid.Close(); err != nil {
		c.logger.Warn("grid close failed", zap.Error(err))
	}
	_ = c.logger.Sync()
	return nil
}
