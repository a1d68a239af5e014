// Package worker implements the per-node document loop: dequeue a reference
// from the shared ledger, fetch it, process the response, commit the outcome,
// queue discovered links and mark the reference processed.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/fetch"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
	"github.com/JakeFAU/gridcrawler/internal/processor"
)

// DefaultPollInterval is how long an idle worker waits before looking again.
const DefaultPollInterval = 250 * time.Millisecond

// Fetcher retrieves a reference. *fetch.MultiFetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req crawler.FetchRequest) fetch.Result
}

// Hooks observe each document a worker handles.
type Hooks interface {
	BeforeDocument(ctx context.Context, e ledger.Entry)
	AfterDocument(ctx context.Context, e ledger.Entry, err error)
}

// Sweeper handles orphans once the queue is exhausted.
type Sweeper func(ctx context.Context) (ledger.OrphanReport, error)

// Config controls Worker behavior.
type Config struct {
	CrawlerID    string
	PollInterval time.Duration
	// IdleTimeout ends the loop after this long without work. Zero disables it.
	IdleTimeout time.Duration
	// StopOnExceptions lists error kinds that stop the crawl.
	StopOnExceptions []crawler.ErrorKind
}

// Worker runs the document loop for one goroutine.
type Worker struct {
	id        int
	cfg       Config
	ledger    *ledger.Ledger
	fetcher   Fetcher
	processor *processor.Processor
	committer crawler.Committer

	clock       crawler.Clock
	emitter     event.Emitter
	hooks       Hooks
	sweeper     Sweeper
	stop        <-chan struct{}
	seeding     func() bool
	onException func(err error)
	logger      *zap.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock sets the clock used for commit timestamps.
func WithClock(c crawler.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithEmitter sets where events go.
func WithEmitter(e event.Emitter) Option {
	return func(w *Worker) { w.emitter = e }
}

// WithHooks sets document hooks.
func WithHooks(h Hooks) Option {
	return func(w *Worker) { w.hooks = h }
}

// WithSweeper sets the orphan sweep run when the queue is exhausted.
func WithSweeper(s Sweeper) Option {
	return func(w *Worker) { w.sweeper = s }
}

// WithStop sets a channel that, once closed, stops the worker before its next dequeue.
func WithStop(stop <-chan struct{}) Option {
	return func(w *Worker) { w.stop = stop }
}

// WithSeeding tells the worker whether start references are still being queued.
func WithSeeding(fn func() bool) Option {
	return func(w *Worker) { w.seeding = fn }
}

// WithExceptionHandler is called with the first error matching StopOnExceptions.
func WithExceptionHandler(fn func(err error)) Option {
	return func(w *Worker) { w.onException = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Worker.
func New(
	id int,
	cfg Config,
	l *ledger.Ledger,
	fetcher Fetcher,
	proc *processor.Processor,
	committer crawler.Committer,
	opts ...Option,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	w := &Worker{
		id:        id,
		cfg:       cfg,
		ledger:    l,
		fetcher:   fetcher,
		processor: proc,
		committer: committer,
		clock:     systemClock{},
		emitter:   event.Discard,
		seeding:   func() bool { return false },
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.Named("worker").With(zap.Int("worker", id))
	return w
}

// Run processes references until the crawl is exhausted, stopped, idle for
// too long or ctx is done. It returns an error only when the ledger fails.
func (w *Worker) Run(ctx context.Context) error {
	lastWork := time.Now()
	for {
		if ctx.Err() != nil || w.stopped() {
			return nil
		}
		entry, ok, err := w.ledger.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if ok {
			docErr := w.handle(ctx, entry)
			lastWork = time.Now()
			if docErr != nil && w.shouldStop(docErr) {
				w.logger.Warn("stopping on exception", zap.String("reference", entry.Reference), zap.Error(docErr))
				if w.onException != nil {
					w.onException(docErr)
				}
				return nil
			}
			continue
		}

		done, err := w.exhausted(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if done {
			w.logger.Debug("no more work")
			return nil
		}
		if w.cfg.IdleTimeout > 0 && time.Since(lastWork) >= w.cfg.IdleTimeout {
			w.logger.Info("idle timeout reached", zap.Duration("idle_timeout", w.cfg.IdleTimeout))
			return nil
		}
		if !w.wait(ctx) {
			return nil
		}
	}
}

// exhausted decides what an empty dequeue means. It returns true when the
// worker has nothing left to wait for.
func (w *Worker) exhausted(ctx context.Context) (bool, error) {
	queued, err := w.ledger.QueuedCount(ctx)
	if err != nil {
		return false, err
	}
	metrics.SetQueuedReferences(queued)
	active, err := w.ledger.ActiveCount(ctx)
	if err != nil {
		return false, err
	}
	reached, err := w.ledger.MaxDocumentsReached(ctx)
	if err != nil {
		return false, err
	}
	// With the cap reached and work left, the run pauses once in-flight
	// documents finish. An empty queue still gets the orphan sweep.
	if reached && queued > 0 {
		return active == 0, nil
	}
	// Another worker may hold a row lock on a queued entry.
	if queued > 0 || active > 0 || w.seeding() {
		return false, nil
	}
	if w.sweeper == nil {
		return true, nil
	}
	report, err := w.sweeper(ctx)
	if err != nil {
		return false, err
	}
	if report.Requeued > 0 {
		return false, nil
	}
	if report.Skipped {
		running, err := w.ledger.OrphanSweepRunning(ctx)
		if err != nil {
			return false, err
		}
		return !running, nil
	}
	return true, nil
}

func (w *Worker) stopped() bool {
	if w.stop == nil {
		return false
	}
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Worker) wait(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) shouldStop(err error) bool {
	return slices.Contains(w.cfg.StopOnExceptions, crawler.KindOf(err))
}

// handle runs one entry through the pipeline and records it as processed,
// with outcome ERROR when the pipeline failed. An entry interrupted by ctx
// stays active so a resumed session queues it again.
func (w *Worker) handle(ctx context.Context, entry ledger.Entry) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	if w.hooks != nil {
		w.hooks.BeforeDocument(ctx, entry)
	}

	docErr := w.process(ctx, &entry)
	if docErr != nil && ctx.Err() != nil {
		w.logger.Info("document interrupted", zap.String("reference", entry.Reference), zap.Error(ctx.Err()))
		if w.hooks != nil {
			w.hooks.AfterDocument(ctx, entry, ctx.Err())
		}
		return nil
	}
	if docErr != nil {
		entry.CrawlState = crawler.DocError
		w.logger.Warn("document failed", zap.String("reference", entry.Reference), zap.Error(docErr))
		w.emitter.Emit(event.Event{
			Type:      event.DocumentProcessedError,
			Reference: entry.Reference,
			Depth:     entry.Depth,
			State:     crawler.DocError,
			Note:      string(crawler.KindOf(docErr)),
			Err:       docErr,
		})
	}

	// A finished document is recorded even when the run is being cancelled.
	if err := w.ledger.MarkProcessed(context.WithoutCancel(ctx), entry); err != nil {
		w.logger.Error("mark processed failed", zap.String("reference", entry.Reference), zap.Error(err))
		if docErr == nil {
			docErr = crawler.NewDocumentError(crawler.KindLedger, entry.Reference, err)
		}
	}
	metrics.ObserveDocument(w.cfg.CrawlerID, string(entry.CrawlState))
	if w.hooks != nil {
		w.hooks.AfterDocument(ctx, entry, docErr)
	}
	return docErr
}

func (w *Worker) process(ctx context.Context, entry *ledger.Entry) error {
	ref := entry.Reference
	cached, hasCached, err := w.ledger.Cached(ctx, ref)
	if err != nil {
		return crawler.NewDocumentError(crawler.KindLedger, ref, err)
	}
	var prev *ledger.Entry
	if hasCached {
		prev = &cached
	}

	res := w.fetcher.Fetch(ctx, crawler.FetchRequest{Reference: ref, Depth: entry.Depth})
	resp := res.Response
	w.emitter.Emit(event.Event{
		Type:       event.DocumentFetched,
		Reference:  ref,
		Depth:      entry.Depth,
		Fetcher:    res.Fetcher,
		StatusCode: resp.StatusCode,
		Bytes:      int64(len(resp.Body)),
		Dur:        resp.Duration,
		Note:       string(resp.Status),
	})
	if err := ctx.Err(); err != nil {
		return crawler.NewDocumentError(crawler.KindFetch, ref, err)
	}

	out, err := w.processor.Process(*entry, prev, resp)
	entry.CrawlState = out.State
	entry.MetaChecksum = out.MetaChecksum
	entry.ContentChecksum = out.ContentChecksum
	entry.ContentType = resp.ContentType
	if err != nil {
		return crawler.NewDocumentError(crawler.KindProcess, ref, err)
	}
	if out.State == crawler.DocError {
		cause := resp.Err
		if cause == nil {
			cause = fmt.Errorf("fetch status %s", resp.Status)
		}
		return crawler.NewDocumentError(crawler.KindFetch, ref, cause)
	}

	if err := w.commit(ctx, entry, resp); err != nil {
		return crawler.NewDocumentError(crawler.KindCommit, ref, err)
	}
	if out.State.IsGoodState() {
		if err := w.queueLinks(ctx, *entry, out.Links); err != nil {
			return crawler.NewDocumentError(crawler.KindLedger, ref, err)
		}
	}
	return nil
}

func (w *Worker) commit(ctx context.Context, entry *ledger.Entry, resp crawler.FetchResponse) error {
	var meta map[string][]string
	if resp.Headers != nil {
		meta = map[string][]string(resp.Headers.Clone())
	}
	switch {
	case entry.CrawlState.IsNewOrModified():
		err := w.committer.Upsert(ctx, crawler.UpsertRequest{
			Reference:   entry.Reference,
			ContentType: resp.ContentType,
			Checksum:    entry.ContentChecksum,
			Metadata:    meta,
			Content:     resp.Body,
			Depth:       entry.Depth,
			CommittedAt: w.clock.Now(),
		})
		if err != nil {
			return err
		}
		entry.Committed = true
		w.emit(event.DocumentCommittedUpsert, *entry)
	case entry.CrawlState == crawler.DocDeleted:
		err := w.committer.Delete(ctx, crawler.DeleteRequest{
			Reference: entry.Reference,
			Metadata:  meta,
			Reason:    deleteReason(resp),
		})
		if err != nil {
			return err
		}
		entry.Committed = true
		w.emit(event.DocumentCommittedDelete, *entry)
	case entry.CrawlState == crawler.DocUnmodified:
		w.emit(event.DocumentUnmodified, *entry)
	}
	return nil
}

func deleteReason(resp crawler.FetchResponse) string {
	if resp.StatusCode > 0 {
		return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return "not found"
}

func (w *Worker) queueLinks(ctx context.Context, parent ledger.Entry, links []string) error {
	for _, link := range links {
		res, err := w.ledger.Queue(ctx, ledger.QueueRequest{
			Reference: link,
			Depth:     parent.Depth + 1,
			Parent:    parent.Reference,
		})
		if err != nil {
			return err
		}
		evt := event.Event{Reference: link, Depth: parent.Depth + 1, Note: parent.Reference}
		switch res {
		case ledger.Queued:
			evt.Type = event.DocumentQueued
		case ledger.RejectedTooDeep:
			evt.Type = event.RejectedTooDeep
		case ledger.RejectedDuplicate:
			evt.Type = event.RejectedDuplicate
		default:
			continue
		}
		w.emitter.Emit(evt)
	}
	return nil
}

func (w *Worker) emit(t event.Type, e ledger.Entry) {
	w.emitter.Emit(event.Event{Type: t, Reference: e.Reference, Depth: e.Depth, State: e.CrawlState})
}
