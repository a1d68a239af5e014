package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// DefaultHeartbeatInterval is the period between session refreshes.
const DefaultHeartbeatInterval = 2 * time.Minute

// BeatFunc observes every heartbeat attempt.
type BeatFunc func(s Session, err error)

// Heartbeat periodically refreshes LastUpdated on a session record. Failures
// are logged and otherwise ignored; staleness is detected by the next
// launch's resolver, not here.
type Heartbeat struct {
	registry  *Registry
	crawlerID string
	node      string
	interval  time.Duration
	logger    *zap.Logger
	onBeat    BeatFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewHeartbeat builds a Heartbeat. A non-positive interval uses the default.
func NewHeartbeat(registry *Registry, crawlerID string, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		registry:  registry,
		crawlerID: crawlerID,
		interval:  interval,
		logger:    logger,
	}
}

// OnBeat registers fn to observe each beat. Call before Start.
func (h *Heartbeat) OnBeat(fn BeatFunc) {
	h.onBeat = fn
}

// TrackNode makes every beat also refresh the presence entry of node. Call
// before Start.
func (h *Heartbeat) TrackNode(node string) {
	h.node = node
}

// Start launches the ticker goroutine. Calling Start twice, or after Stop,
// does nothing.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.stopped {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(runCtx, h.done)
}

// Stop cancels the ticker and waits for the goroutine to exit. It is safe to
// call any number of times, including without Start.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.stopped = true
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Heartbeat) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	s, err := h.registry.Touch(ctx, h.crawlerID)
	if err == nil && h.node != "" {
		err = h.registry.MarkPresent(ctx, h.crawlerID, h.node)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ObserveHeartbeat(false)
		h.logger.Warn("session heartbeat failed", zap.String("crawler_id", h.crawlerID), zap.Error(err))
	} else {
		metrics.ObserveHeartbeat(true)
		h.logger.Debug("session heartbeat", zap.String("crawler_id", h.crawlerID), zap.Int64("last_updated", s.LastUpdated))
	}
	if h.onBeat != nil {
		h.onBeat(s, err)
	}
}
