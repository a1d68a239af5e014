// Package crawl orchestrates a crawl run: it resolves the cluster-wide
// session, bootstraps the shared ledger, keeps the session alive with a
// heartbeat, runs the worker pool and records how the run ended.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/dispatcher"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
	"github.com/JakeFAU/gridcrawler/internal/processor"
	"github.com/JakeFAU/gridcrawler/internal/session"
	"github.com/JakeFAU/gridcrawler/internal/worker"
)

// Command names passed to Callbacks.
const (
	CommandCrawl  = "crawl"
	CommandClean  = "clean"
	CommandStop   = "stop"
	CommandExport = "export"
	CommandImport = "import"
)

// TaskOrphans is the task name of the orphan sweep.
const TaskOrphans = "orphans"

var (
	// ErrStoppedOnException is returned when a document error matched
	// crawler.stop_on_exceptions.
	ErrStoppedOnException = errors.New("crawl stopped on exception")
	// ErrSessionRunning is returned by Clean and Import while a live node
	// owns the session.
	ErrSessionRunning = errors.New("crawl session is running")
)

// Config controls a crawl run.
type Config struct {
	CrawlerID            string
	NumThreads           int
	MaxDocuments         int
	MaxDepth             int
	IdleTimeout          time.Duration
	PollInterval         time.Duration
	OrphansStrategy      crawler.OrphansStrategy
	DeferredShutdown     time.Duration
	StartReferencesAsync bool
	StartReferences      []string
	StartReferencesFiles []string
	StopOnExceptions     []crawler.ErrorKind
	SessionTimeout       time.Duration
	HeartbeatInterval    time.Duration
	StopPollInterval     time.Duration
}

// Summary describes a finished run.
type Summary struct {
	CrawlerID   string
	Node        string
	Decision    session.Decision
	State       session.CrawlState
	Resumed     bool
	Incremental bool
	// Recorded reports whether this node wrote State to the session record.
	// A node leaving while others still run leaves the record to them.
	Recorded    bool
	Processed   int
	Queued      int
	ByState     map[crawler.DocState]int
	Orphans     *ledger.OrphanReport
	Elapsed     time.Duration
}

// Crawler runs crawl commands for one crawler id.
type Crawler struct {
	cfg       Config
	grid      grid.Grid
	fetcher   worker.Fetcher
	processor *processor.Processor
	committer crawler.Committer

	callbacks Callbacks
	emitter   event.Emitter
	clock     crawler.Clock
	logger    *zap.Logger
	steps     []BootstrapStep
	providers []StartReferenceProvider

	registry *session.Registry
	resolver *session.Resolver
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithCallbacks sets the callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Crawler) { c.callbacks = cb }
}

// WithEmitter sets where events go.
func WithEmitter(e event.Emitter) Option {
	return func(c *Crawler) { c.emitter = e }
}

// WithClock sets the clock.
func WithClock(clock crawler.Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) { c.logger = logger }
}

// WithStartReferenceProviders adds providers to the default queue step.
func WithStartReferenceProviders(providers ...StartReferenceProvider) Option {
	return func(c *Crawler) { c.providers = append(c.providers, providers...) }
}

// WithBootstrapSteps replaces the default bootstrap steps.
func WithBootstrapSteps(steps ...BootstrapStep) Option {
	return func(c *Crawler) { c.steps = steps }
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New builds a Crawler.
func New(
	cfg Config,
	g grid.Grid,
	fetcher worker.Fetcher,
	proc *processor.Processor,
	committer crawler.Committer,
	opts ...Option,
) (*Crawler, error) {
	if cfg.CrawlerID == "" {
		return nil, errors.New("crawl: crawler id is required")
	}
	if g == nil || fetcher == nil || proc == nil || committer == nil {
		return nil, errors.New("crawl: grid, fetcher, processor and committer are required")
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.OrphansStrategy == "" {
		cfg.OrphansStrategy = crawler.OrphansProcess
	}
	c := &Crawler{
		cfg:       cfg,
		grid:      g,
		fetcher:   fetcher,
		processor: proc,
		committer: committer,
		callbacks: NopCallbacks{},
		emitter:   event.Discard,
		clock:     systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("crawl").With(zap.String("crawler_id", cfg.CrawlerID))
	if c.steps == nil {
		c.steps = DefaultBootstrapSteps(c.providers...)
	}
	c.registry = session.NewRegistry(g, c.clock)
	c.resolver = session.NewResolver(g, c.clock, cfg.SessionTimeout, c.logger.Named("session"))
	return c, nil
}

// Registry exposes the session registry of the crawler's grid.
func (c *Crawler) Registry() *session.Registry {
	return c.registry
}

func (c *Crawler) newLedger() (*ledger.Ledger, error) {
	return ledger.New(c.grid, ledger.Config{
		CrawlerID:    c.cfg.CrawlerID,
		MaxDepth:     c.cfg.MaxDepth,
		MaxDocuments: c.cfg.MaxDocuments,
	}, c.clock, c.logger)
}

// runState collects what workers report while the run lasts.
type runState struct {
	mu        sync.Mutex
	exception error
	orphans   *ledger.OrphanReport
}

func (r *runState) setException(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exception != nil {
		return false
	}
	r.exception = err
	return true
}

// Crawl runs the crawler on this node until the crawl is exhausted, stopped
// or ctx is done.
func (c *Crawler) Crawl(ctx context.Context) (summary Summary, err error) {
	c.callbacks.BeforeCommand(ctx, CommandCrawl)
	defer func() { c.callbacks.AfterCommand(ctx, CommandCrawl, err) }()
	start := time.Now()
	id := c.cfg.CrawlerID

	res, err := c.resolver.Resolve(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	c.emitter.Emit(event.Event{Type: event.SessionResolved, Note: string(res.Decision)})
	if err := c.registry.MarkPresent(ctx, id, c.grid.NodeName()); err != nil {
		return c.abort(ctx, nil, res, start, err)
	}

	hb := session.NewHeartbeat(c.registry, id, c.cfg.HeartbeatInterval, c.logger)
	hb.TrackNode(c.grid.NodeName())
	hb.OnBeat(func(_ session.Session, err error) {
		if err == nil {
			c.emitter.Emit(event.Event{Type: event.SessionHeartbeat})
		}
	})
	hb.Start(ctx)
	defer hb.Stop()

	stop := NewStopSignal(c.grid, id, c.clock, c.logger)
	if !res.Joined() {
		if err := stop.Clear(ctx); err != nil {
			return c.abort(ctx, hb, res, start, err)
		}
	}
	stop.Watch(ctx, c.cfg.StopPollInterval)
	defer stop.Close()

	l, err := c.newLedger()
	if err != nil {
		return c.abort(ctx, hb, res, start, err)
	}
	cc := &Context{
		Config:     c.cfg,
		Grid:       c.grid,
		Resolution: res,
		Ledger:     l,
		Stop:       stop,
		Events:     c.emitter,
		Logger:     c.logger,
	}
	if res.Joined() {
		c.logger.Info("joining running session, bootstrap skipped", zap.String("node", c.grid.NodeName()))
	} else if err := c.bootstrap(ctx, cc); err != nil {
		return c.abort(ctx, hb, res, start, errors.Join(err, cc.Wait()))
	}

	c.emitter.Emit(event.Event{Type: event.CrawlerRunBegin, Note: string(res.Decision)})
	run := &runState{}
	runErr := dispatcher.New(c.workers(cc, run), c.logger).Run(ctx)
	if seedErr := cc.Wait(); seedErr != nil {
		runErr = errors.Join(runErr, seedErr)
	}

	// The end of the run is recorded even when ctx was cancelled.
	finalCtx := context.WithoutCancel(ctx)
	state, err := c.endState(finalCtx, ctx, l, stop, run, runErr)
	if err != nil {
		runErr = errors.Join(runErr, err)
		state = session.StateFailed
	}
	hb.Stop()
	recorded := c.leave(finalCtx, state)

	summary = c.summarize(finalCtx, l, res, state, start)
	summary.Recorded = recorded
	summary.Orphans = run.orphans
	c.logSummary(summary)
	c.emitter.Emit(event.Event{
		Type:  event.CrawlerRunEnd,
		Note:  string(state),
		Count: summary.Processed,
		Dur:   summary.Elapsed,
	})
	c.deferShutdown(ctx)

	switch {
	case runErr != nil:
		return summary, fmt.Errorf("crawl %s: %w", id, runErr)
	case run.exception != nil:
		return summary, fmt.Errorf("%w: %w", ErrStoppedOnException, run.exception)
	}
	return summary, nil
}

func (c *Crawler) bootstrap(ctx context.Context, cc *Context) error {
	for _, step := range c.steps {
		c.callbacks.BeforeTask(ctx, step.Name())
		err := step.Bootstrap(ctx, cc)
		c.callbacks.AfterTask(ctx, step.Name(), err)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", step.Name(), err)
		}
	}
	return nil
}

// abort records a run that failed before workers started.
func (c *Crawler) abort(ctx context.Context, hb *session.Heartbeat, res session.Resolution, start time.Time, cause error) (Summary, error) {
	if hb != nil {
		hb.Stop()
	}
	recorded := c.leave(context.WithoutCancel(ctx), session.StateFailed)
	c.logger.Error("crawl aborted", zap.Error(cause))
	return Summary{
		CrawlerID:   c.cfg.CrawlerID,
		Node:        c.grid.NodeName(),
		Decision:    res.Decision,
		State:       session.StateFailed,
		Resumed:     res.Session.IsResumed(),
		Incremental: res.Session.IsIncremental(),
		Recorded:    recorded,
		Elapsed:     time.Since(start),
	}, fmt.Errorf("crawl %s: %w", c.cfg.CrawlerID, cause)
}

// leave withdraws this node from the run and records state on the session
// record when no other live node remains.
func (c *Crawler) leave(ctx context.Context, state session.CrawlState) bool {
	node := c.grid.NodeName()
	recorded, err := c.registry.Leave(ctx, c.cfg.CrawlerID, node, state, c.cfg.SessionTimeout)
	switch {
	case err != nil:
		c.logger.Error("record end state failed", zap.String("state", string(state)), zap.Error(err))
	case !recorded:
		c.logger.Info("other nodes still running, end state left to them",
			zap.String("node", node), zap.String("state", string(state)))
	}
	return recorded
}

func (c *Crawler) workers(cc *Context, run *runState) []dispatcher.Runner {
	finalCtx := context.Background()
	handler := ledger.OrphanHandlerFunc(func(ctx context.Context, e ledger.Entry) error {
		err := c.committer.Delete(ctx, crawler.DeleteRequest{Reference: e.Reference, Reason: "orphan"})
		if err == nil {
			c.emitter.Emit(event.Event{Type: event.DocumentCommittedDelete, Reference: e.Reference, Depth: e.Depth, State: crawler.DocDeleted})
		}
		return err
	})
	sweeper := func(ctx context.Context) (ledger.OrphanReport, error) {
		if cc.Stop.Stopped() {
			return ledger.OrphanReport{Skipped: true}, nil
		}
		c.callbacks.BeforeTask(ctx, TaskOrphans)
		rep, err := cc.Ledger.SweepOrphans(ctx, c.cfg.OrphansStrategy, handler)
		c.callbacks.AfterTask(ctx, TaskOrphans, err)
		if err == nil && !rep.Skipped {
			run.mu.Lock()
			run.orphans = &rep
			run.mu.Unlock()
			c.emitter.Emit(event.Event{Type: event.OrphansSwept, Count: rep.Found, Note: string(rep.Strategy)})
		}
		return rep, err
	}
	onException := func(err error) {
		if !run.setException(err) {
			return
		}
		if err := cc.Stop.Raise(finalCtx, "exception: "+string(crawler.KindOf(err))); err != nil {
			c.logger.Error("raise stop flag failed", zap.Error(err))
		}
	}

	wcfg := worker.Config{
		CrawlerID:        c.cfg.CrawlerID,
		PollInterval:     c.cfg.PollInterval,
		IdleTimeout:      c.cfg.IdleTimeout,
		StopOnExceptions: c.cfg.StopOnExceptions,
	}
	runners := make([]dispatcher.Runner, 0, c.cfg.NumThreads)
	for i := range c.cfg.NumThreads {
		runners = append(runners, worker.New(i, wcfg, cc.Ledger, c.fetcher, c.processor, c.committer,
			worker.WithClock(c.clock),
			worker.WithEmitter(c.emitter),
			worker.WithHooks(c.callbacks),
			worker.WithSweeper(sweeper),
			worker.WithStop(cc.Stop.Done()),
			worker.WithSeeding(cc.Seeding),
			worker.WithExceptionHandler(onException),
			worker.WithLogger(c.logger),
		))
	}
	return runners
}

// endState decides how the run ended. A run that hit the document cap with
// work left is PAUSED so the next launch resumes it.
func (c *Crawler) endState(ctx, runCtx context.Context, l *ledger.Ledger, stop *StopSignal, run *runState, runErr error) (session.CrawlState, error) {
	switch {
	case runErr != nil:
		return session.StateFailed, nil
	case run.exception != nil, stop.Stopped(), runCtx.Err() != nil:
		return session.StateStopped, nil
	}
	reached, err := l.MaxDocumentsReached(ctx)
	if err != nil {
		return "", err
	}
	if reached {
		c.emitter.Emit(event.Event{Type: event.MaxDocumentsReached, Count: c.cfg.MaxDocuments})
		empty, err := l.IsQueueEmpty(ctx)
		if err != nil {
			return "", err
		}
		if !empty {
			return session.StatePaused, nil
		}
	}
	return session.StateCompleted, nil
}

func (c *Crawler) summarize(ctx context.Context, l *ledger.Ledger, res session.Resolution, state session.CrawlState, start time.Time) Summary {
	s := Summary{
		CrawlerID:   c.cfg.CrawlerID,
		Node:        c.grid.NodeName(),
		Decision:    res.Decision,
		State:       state,
		Resumed:     res.Session.IsResumed(),
		Incremental: res.Session.IsIncremental(),
		ByState:     map[crawler.DocState]int{},
		Elapsed:     time.Since(start),
	}
	err := l.ForEachProcessed(ctx, func(e ledger.Entry) bool {
		s.Processed++
		s.ByState[e.CrawlState]++
		return true
	})
	if err != nil {
		c.logger.Warn("summarize processed entries failed", zap.Error(err))
	}
	if s.Queued, err = l.QueuedCount(ctx); err != nil {
		c.logger.Warn("count queued entries failed", zap.Error(err))
	}
	return s
}

func (c *Crawler) logSummary(s Summary) {
	states := make([]string, 0, len(s.ByState))
	for st := range s.ByState {
		states = append(states, string(st))
	}
	sort.Strings(states)
	fields := []zap.Field{
		zap.String("node", s.Node),
		zap.String("state", string(s.State)),
		zap.String("decision", string(s.Decision)),
		zap.Int("processed", s.Processed),
		zap.Int("queued", s.Queued),
		zap.Duration("elapsed", s.Elapsed),
	}
	for _, st := range states {
		fields = append(fields, zap.Int("docs_"+st, s.ByState[crawler.DocState(st)]))
	}
	c.logger.Info("crawl finished", fields...)
}

// deferShutdown holds the node for the configured grace period so slower
// nodes can still read shared state it owns.
func (c *Crawler) deferShutdown(ctx context.Context) {
	if c.cfg.DeferredShutdown <= 0 || ctx.Err() != nil {
		return
	}
	c.logger.Info("deferring shutdown", zap.Duration("duration", c.cfg.DeferredShutdown))
	timer := time.NewTimer(c.cfg.DeferredShutdown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Clean removes every trace of the crawler from the grid: ledger maps,
// pipeline stages, the session record and the stop flag.
func (c *Crawler) Clean(ctx context.Context) (err error) {
	c.callbacks.BeforeCommand(ctx, CommandClean)
	defer func() { c.callbacks.AfterCommand(ctx, CommandClean, err) }()

	if err := c.ensureIdle(ctx, CommandClean); err != nil {
		return err
	}
	l, err := c.newLedger()
	if err != nil {
		return err
	}
	if err := l.Drop(ctx); err != nil {
		return fmt.Errorf("clean %s: %w", c.cfg.CrawlerID, err)
	}
	if _, err := c.registry.Delete(ctx, c.cfg.CrawlerID); err != nil {
		return fmt.Errorf("clean %s: %w", c.cfg.CrawlerID, err)
	}
	if err := NewStopSignal(c.grid, c.cfg.CrawlerID, c.clock, c.logger).Clear(ctx); err != nil {
		return fmt.Errorf("clean %s: %w", c.cfg.CrawlerID, err)
	}
	c.logger.Info("crawler cleaned")
	return nil
}

// ensureIdle fails with ErrSessionRunning while a live node owns the session.
func (c *Crawler) ensureIdle(ctx context.Context, command string) error {
	rec, ok, err := c.registry.Get(ctx, c.cfg.CrawlerID)
	if err != nil {
		return err
	}
	if !ok || rec.CrawlState != session.StateRunning {
		return nil
	}
	timeout := c.cfg.SessionTimeout
	if timeout <= 0 {
		timeout = session.DefaultTimeout
	}
	if c.clock.Now().Sub(rec.LastUpdatedTime()) <= timeout {
		return fmt.Errorf("%s %s: %w", command, c.cfg.CrawlerID, ErrSessionRunning)
	}
	return nil
}

// Stop raises the stop flag so every node running the crawler finishes its
// in-flight documents and exits.
func (c *Crawler) Stop(ctx context.Context) (err error) {
	c.callbacks.BeforeCommand(ctx, CommandStop)
	defer func() { c.callbacks.AfterCommand(ctx, CommandStop, err) }()

	if err := RequestStop(ctx, c.grid, c.cfg.CrawlerID, c.clock, c.logger); err != nil {
		return err
	}
	c.emitter.Emit(event.Event{Type: event.CrawlerStopRequested})
	return nil
}

// RequestStop raises the stop flag of crawlerID on g and marks a RUNNING
// session STOPPING. It needs nothing but the grid.
func RequestStop(ctx context.Context, g grid.Grid, crawlerID string, clock crawler.Clock, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := NewStopSignal(g, crawlerID, clock, logger).Raise(ctx, "stop command"); err != nil {
		return err
	}
	registry := session.NewRegistry(g, clock)
	rec, ok, err := registry.Get(ctx, crawlerID)
	if err != nil {
		return err
	}
	if ok && rec.CrawlState == session.StateRunning {
		if _, err := registry.SetState(ctx, crawlerID, session.StateStopping); err != nil {
			return err
		}
	}
	logger.Info("stop requested")
	return nil
}
