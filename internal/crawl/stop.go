package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/grid"
)

// StopMapName is the grid map holding raised stop flags, keyed by crawler id.
const StopMapName = "crawl-stop"

// DefaultStopPollInterval is how often a running node checks the stop flag.
const DefaultStopPollInterval = time.Second

type stopRecord struct {
	RequestedAt time.Time `json:"requestedAt"`
	Node        string    `json:"node"`
	Reason      string    `json:"reason,omitempty"`
}

// StopSignal is a cluster-wide stop flag for one crawler. Any node, or the
// stop command, can raise it; running nodes observe it through Done.
type StopSignal struct {
	flags     *grid.JSONMap[stopRecord]
	crawlerID string
	node      string
	clock     crawler.Clock
	logger    *zap.Logger

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	exited chan struct{}
}

// NewStopSignal builds the stop flag of crawlerID on g.
func NewStopSignal(g grid.Grid, crawlerID string, clock crawler.Clock, logger *zap.Logger) *StopSignal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StopSignal{
		flags:     grid.NewJSONMap[stopRecord](g.Storage().Map(StopMapName)),
		crawlerID: crawlerID,
		node:      g.NodeName(),
		clock:     clock,
		logger:    logger.Named("stop"),
		done:      make(chan struct{}),
	}
}

// Raise sets the flag in the grid and trips the local token.
func (s *StopSignal) Raise(ctx context.Context, reason string) error {
	rec := stopRecord{RequestedAt: s.clock.Now(), Node: s.node, Reason: reason}
	if err := s.flags.Put(ctx, s.crawlerID, rec); err != nil {
		return fmt.Errorf("raise stop flag: %w", err)
	}
	s.trip()
	return nil
}

// Raised reports whether the flag is set in the grid.
func (s *StopSignal) Raised(ctx context.Context) (bool, error) {
	_, ok, err := s.flags.Get(ctx, s.crawlerID)
	if err != nil {
		return false, fmt.Errorf("read stop flag: %w", err)
	}
	return ok, nil
}

// Clear removes the flag from the grid. The local token is not reset.
func (s *StopSignal) Clear(ctx context.Context) error {
	if _, err := s.flags.Delete(ctx, s.crawlerID); err != nil {
		return fmt.Errorf("clear stop flag: %w", err)
	}
	return nil
}

// Done is closed once a stop has been observed.
func (s *StopSignal) Done() <-chan struct{} {
	return s.done
}

// Stopped reports whether Done is closed.
func (s *StopSignal) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *StopSignal) trip() {
	s.once.Do(func() { close(s.done) })
}

// Watch polls the grid flag every interval until it is raised or Close is
// called. Read errors are logged and retried.
func (s *StopSignal) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStopPollInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.exited = make(chan struct{})
	go func(exited chan<- struct{}) {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				raised, err := s.Raised(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Warn("stop flag check failed", zap.Error(err))
					}
					continue
				}
				if raised {
					s.logger.Info("stop requested", zap.String("crawler_id", s.crawlerID))
					s.trip()
					return
				}
			}
		}
	}(s.exited)
}

// Close stops the watcher and waits for it.
func (s *StopSignal) Close() {
	s.mu.Lock()
	cancel, exited := s.cancel, s.exited
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-exited
}
