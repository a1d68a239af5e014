package crawl

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
	"github.com/JakeFAU/gridcrawler/internal/session"
)

// Context is the state of one crawl run on this node. It is built by the
// Crawler, filled in by the bootstrap steps and handed to the workers.
type Context struct {
	Config     Config
	Grid       grid.Grid
	Resolution session.Resolution
	Ledger     *ledger.Ledger
	Stop       *StopSignal
	Events     event.Emitter
	Logger     *zap.Logger

	// Set by LedgerBootstrapper.
	Init                  ledger.InitResult
	QueueEmptyAtStart     bool
	ProcessedEmptyAtStart bool

	async    sync.WaitGroup
	inFlight atomic.Int32
	errMu    sync.Mutex
	asyncErr error
}

// Resumed reports whether the run continues an interrupted session.
func (c *Context) Resumed() bool {
	return c.Resolution.Session.IsResumed()
}

// Incremental reports whether the run builds on the previous session.
func (c *Context) Incremental() bool {
	return c.Resolution.Session.IsIncremental()
}

// Go runs fn in the background. Seeding reports true until it returns.
func (c *Context) Go(fn func() error) {
	c.inFlight.Add(1)
	c.async.Add(1)
	go func() {
		defer c.async.Done()
		defer c.inFlight.Add(-1)
		if err := fn(); err != nil {
			c.errMu.Lock()
			c.asyncErr = errors.Join(c.asyncErr, err)
			c.errMu.Unlock()
		}
	}()
}

// Seeding reports whether background work started with Go is still running.
func (c *Context) Seeding() bool {
	return c.inFlight.Load() > 0
}

// Wait blocks until background work finishes and returns its errors.
func (c *Context) Wait() error {
	c.async.Wait()
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.asyncErr
}
