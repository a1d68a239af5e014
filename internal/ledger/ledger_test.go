package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/clock/fake"
	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/grid/memory"
)

func newLedger(t *testing.T, g grid.Grid, maxDepth, maxDocs int) *Ledger {
	t.Helper()
	l, err := New(g, Config{CrawlerID: "test", MaxDepth: maxDepth, MaxDocuments: maxDocs}, newClock(), nil)
	require.NoError(t, err)
	return l
}

func newClock() *fake.Clock {
	return fake.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// processAll drains the queue and records every reference with state.
func processAll(t *testing.T, l *Ledger, state crawler.DocState) []string {
	t.Helper()
	ctx := context.Background()
	var refs []string
	for {
		e, ok, err := l.Dequeue(ctx)
		require.NoError(t, err)
		if !ok {
			return refs
		}
		e.CrawlState = state
		require.NoError(t, l.MarkProcessed(ctx, e))
		refs = append(refs, e.Reference)
	}
}

func queueAll(t *testing.T, l *Ledger, refs ...string) {
	t.Helper()
	for _, ref := range refs {
		res, err := l.Queue(context.Background(), QueueRequest{Reference: ref})
		require.NoError(t, err)
		require.Equal(t, Queued, res)
	}
}

func TestNewRequiresCrawlerID(t *testing.T) {
	t.Parallel()

	_, err := New(memory.New("n1"), Config{}, newClock(), nil)
	require.Error(t, err)
}

func TestQueueRejectsTooDeep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newLedger(t, memory.New("n1"), 2, -1)

	res, err := l.Queue(ctx, QueueRequest{Reference: "http://ex/deep", Depth: 3})
	require.NoError(t, err)
	require.Equal(t, RejectedTooDeep, res)
	require.False(t, res.Accepted())

	res, err = l.Queue(ctx, QueueRequest{Reference: "http://ex/ok", Depth: 2})
	require.NoError(t, err)
	require.True(t, res.Accepted())

	n, err := l.QueuedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A deep rejection does not poison later attempts at an allowed depth.
	res, err = l.Queue(ctx, QueueRequest{Reference: "http://ex/deep", Depth: 1})
	require.NoError(t, err)
	require.Equal(t, Queued, res)
}

func TestQueueDeduplicatesAcrossStates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newLedger(t, memory.New("n1"), -1, -1)
	queueAll(t, l, "a", "b")

	res, err := l.Queue(ctx, QueueRequest{Reference: "a"})
	require.NoError(t, err)
	require.Equal(t, RejectedDuplicate, res)

	e, ok, err := l.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.ProcessingActive, e.ProcessingState)

	res, err = l.Queue(ctx, QueueRequest{Reference: e.Reference})
	require.NoError(t, err)
	require.Equal(t, RejectedDuplicate, res)

	require.NoError(t, l.MarkProcessed(ctx, e))
	res, err = l.Queue(ctx, QueueRequest{Reference: e.Reference})
	require.NoError(t, err)
	require.Equal(t, RejectedDuplicate, res)

	res, err = l.Queue(ctx, QueueRequest{Reference: " "})
	require.NoError(t, err)
	require.Equal(t, RejectedInvalid, res)
}

func TestConcurrentDequeueNeverSharesReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newLedger(t, memory.New("n1"), -1, -1)
	const total = 200
	for i := 0; i < total; i++ {
		queueAll(t, l, fmt.Sprintf("http://ex/%d", i))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
		errs = make(chan error, 16)
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, ok, err := l.Dequeue(ctx)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[e.Reference]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for ref, n := range seen {
		require.Equalf(t, 1, n, "reference %s dequeued %d times", ref, n)
	}
	active, err := l.ActiveCount(ctx)
	require.NoError(t, err)
	require.Equal(t, total, active)
	empty, err := l.IsQueueEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestMaxDocumentsStopsDequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newLedger(t, memory.New("n1"), -1, 5)
	for i := 0; i < 8; i++ {
		queueAll(t, l, fmt.Sprintf("r%d", i))
	}

	refs := processAll(t, l, crawler.DocNew)
	require.Len(t, refs, 5)

	reached, err := l.MaxDocumentsReached(ctx)
	require.NoError(t, err)
	require.True(t, reached)

	_, ok, err := l.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	queued, err := l.QueuedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, queued)
}

func TestMaxDocumentsCountsActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newLedger(t, memory.New("n1"), -1, 2)
	queueAll(t, l, "a", "b", "c")

	_, ok, err := l.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkProcessedRequiresActive(t *testing.T) {
	t.Parallel()

	l := newLedger(t, memory.New("n1"), -1, -1)
	err := l.MarkProcessed(context.Background(), Entry{Reference: "ghost"})
	require.ErrorIs(t, err, ErrNotActive)
}

func TestInitRotatesProcessedIntoCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := memory.New("n1")
	l := newLedger(t, g, -1, -1)
	queueAll(t, l, "x", "y")
	processAll(t, l, crawler.DocNew)
	queueAll(t, l, "broken")
	processAll(t, l, crawler.DocBadStatus)

	next := newLedger(t, g, -1, -1)
	res, err := next.Init(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rotated)
	require.True(t, res.QueueEmpty)
	require.True(t, res.ProcessedEmpty)

	cached, err := next.CachedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cached)
	e, ok, err := next.Cached(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.DocNew, e.CrawlState)
	_, ok, err = next.Cached(ctx, "broken")
	require.NoError(t, err)
	require.False(t, ok)

	// The new session may queue what the previous one processed.
	queueAll(t, next, "x")
}

func TestInitKeepsCacheWhenNothingWasProcessed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := memory.New("n1")
	l := newLedger(t, g, -1, -1)
	queueAll(t, l, "x")
	processAll(t, l, crawler.DocNew)
	_, err := l.Init(ctx, false)
	require.NoError(t, err)

	res, err := l.Init(ctx, false)
	require.NoError(t, err)
	require.Zero(t, res.Rotated)
	cached, err := l.CachedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cached)
}

func TestInitResumedRequeuesActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := memory.New("n1")
	l := newLedger(t, g, -1, -1)
	queueAll(t, l, "a", "b")
	claimed, ok, err := l.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := newLedger(t, g, -1, -1).Init(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)
	require.False(t, res.QueueEmpty)

	active, err := l.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)
	queued, err := l.QueuedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	dup, err := l.Queue(ctx, QueueRequest{Reference: claimed.Reference})
	require.NoError(t, err)
	require.Equal(t, RejectedDuplicate, dup)
}

func TestDropClearsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := memory.New("n1")
	l := newLedger(t, g, -1, -1)
	queueAll(t, l, "a", "b")
	processAll(t, l, crawler.DocNew)
	_, err := l.Init(ctx, false)
	require.NoError(t, err)

	require.NoError(t, l.Drop(ctx))
	names, err := g.Storage().Names(ctx)
	require.NoError(t, err)
	for _, name := range MapNames("test") {
		require.NotContains(t, names, name)
	}
}
