package crawl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/clock/fake"
	"github.com/JakeFAU/gridcrawler/internal/committer"
	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/fetch"
	"github.com/JakeFAU/gridcrawler/internal/fetch/fetchtest"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/grid/memory"
	"github.com/JakeFAU/gridcrawler/internal/hash/sha256"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
	"github.com/JakeFAU/gridcrawler/internal/processor"
	"github.com/JakeFAU/gridcrawler/internal/session"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	grid      grid.Grid
	site      *fetchtest.Site
	committer *committer.Recorder
	events    *event.Collector
	clock     *fake.Clock
}

func newEnv() *env {
	return &env{
		grid:      memory.New("node-a"),
		site:      fetchtest.NewSite(),
		committer: committer.NewRecorder(),
		events:    event.NewCollector(0),
		clock:     fake.New(epoch),
	}
}

func testConfig(refs ...string) Config {
	return Config{
		CrawlerID:        "test",
		NumThreads:       2,
		MaxDepth:         -1,
		MaxDocuments:     -1,
		PollInterval:     5 * time.Millisecond,
		StopPollInterval: 10 * time.Millisecond,
		StartReferences:  refs,
	}
}

func (e *env) crawler(t *testing.T, cfg Config, opts ...Option) *Crawler {
	t.Helper()
	return e.crawlerOn(t, e.grid, e.site, cfg, opts...)
}

// crawlerOn builds a crawler for another node or fetcher sharing e's state.
func (e *env) crawlerOn(t *testing.T, g grid.Grid, f fetch.Fetcher, cfg Config, opts ...Option) *Crawler {
	t.Helper()
	mf, err := fetch.New([]fetch.Fetcher{f}, fetch.Config{})
	require.NoError(t, err)
	opts = append([]Option{
		WithClock(e.clock),
		WithEmitter(event.EmitterFunc(func(evt event.Event) {
			evt.CrawlerID = cfg.CrawlerID
			_ = e.events.Consume(context.Background(), []event.Event{evt})
		})),
	}, opts...)
	c, err := New(cfg, g, mf, processor.New(processor.Config{}, sha256.New()), e.committer, opts...)
	require.NoError(t, err)
	return c
}

func (e *env) session(t *testing.T) session.Session {
	t.Helper()
	s, ok, err := session.NewRegistry(e.grid, e.clock).Get(context.Background(), "test")
	require.NoError(t, err)
	require.True(t, ok)
	return s
}

func (e *env) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(e.grid, ledger.Config{CrawlerID: "test", MaxDepth: -1, MaxDocuments: -1}, e.clock, nil)
	require.NoError(t, err)
	return l
}

// TestCrawlFreshRun covers the first launch of a crawler with one start reference.
func TestCrawlFreshRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a")

	sum, err := e.crawler(t, testConfig("http://ex/a")).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.DecisionNew, sum.Decision)
	require.Equal(t, session.StateCompleted, sum.State)
	require.Equal(t, 1, sum.Processed)
	require.Equal(t, 1, sum.ByState[crawler.DocNew])

	rec := e.session(t)
	require.Equal(t, session.ModeFull, rec.CrawlMode)
	require.Equal(t, session.StateCompleted, rec.CrawlState)

	entry, ok, err := e.ledger(t).Processed(ctx, "http://ex/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, entry.Depth)
	require.Len(t, e.committer.Upserts(), 1)
	require.Equal(t, 1, e.events.Count(event.CrawlerRunBegin))
	require.Equal(t, 1, e.events.Count(event.CrawlerRunEnd))
	require.Equal(t, 1, e.events.Count(event.SessionResolved))
}

// TestCrawlIncrementalSkipsUnchanged runs twice over an unchanged site.
func TestCrawlIncrementalSkipsUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a", "/b")
	e.site.Page("http://ex/b")

	_, err := e.crawler(t, testConfig("http://ex/a")).Crawl(ctx)
	require.NoError(t, err)
	require.Len(t, e.committer.Upserts(), 2)

	sum, err := e.crawler(t, testConfig("http://ex/a")).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.DecisionIncremental, sum.Decision)
	require.True(t, sum.Incremental)
	require.Equal(t, 2, sum.ByState[crawler.DocUnmodified])
	require.Len(t, e.committer.Upserts(), 2)
	require.Equal(t, session.ModeIncremental, e.session(t).CrawlMode)
}

// TestCrawlDeletesOrphans removes a page the site stopped linking to.
func TestCrawlDeletesOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a", "/b")
	e.site.Page("http://ex/b")
	cfg := testConfig("http://ex/a")
	cfg.OrphansStrategy = crawler.OrphansDelete

	_, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)

	e.site.Page("http://ex/a")
	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.NotNil(t, sum.Orphans)
	require.Equal(t, 1, sum.Orphans.Found)
	require.Equal(t, 1, sum.Orphans.Deleted)
	require.Equal(t, 1, sum.ByState[crawler.DocDeleted])

	deletes := e.committer.Deletes()
	require.Len(t, deletes, 1)
	require.Equal(t, "http://ex/b", deletes[0].Reference)
	require.Equal(t, "orphan", deletes[0].Reason)
	require.Equal(t, 1, e.site.Hits("http://ex/b"))
	require.Equal(t, 2, e.events.Count(event.OrphansSwept))
}

// TestCrawlProcessesOrphans fetches orphans again under the PROCESS strategy.
func TestCrawlProcessesOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a", "/b")
	e.site.Page("http://ex/b")
	_, err := e.crawler(t, testConfig("http://ex/a")).Crawl(ctx)
	require.NoError(t, err)

	e.site.Page("http://ex/a")
	sum, err := e.crawler(t, testConfig("http://ex/a")).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Orphans.Requeued)
	require.Equal(t, 2, e.site.Hits("http://ex/b"))

	b, ok, err := e.ledger(t).Processed(ctx, "http://ex/b")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, b.Orphan)
	require.Equal(t, crawler.DocUnmodified, b.CrawlState)
}

// TestCrawlStopsOnException stops the run cleanly when a configured error kind occurs.
func TestCrawlStopsOnException(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Fail("http://ex/a", errors.New("connection reset"))
	e.site.Page("http://ex/b")
	cfg := testConfig("http://ex/a", "http://ex/b")
	cfg.NumThreads = 1
	cfg.StopOnExceptions = []crawler.ErrorKind{crawler.KindFetch}

	c := e.crawler(t, cfg)
	sum, err := c.Crawl(ctx)
	require.ErrorIs(t, err, ErrStoppedOnException)
	require.Equal(t, session.StateStopped, sum.State)
	require.Equal(t, 1, sum.Processed)
	require.Equal(t, 1, sum.Queued)
	require.Equal(t, session.StateStopped, e.session(t).CrawlState)

	raised, err := NewStopSignal(e.grid, "test", e.clock, nil).Raised(ctx)
	require.NoError(t, err)
	require.True(t, raised)

	// The next launch resumes and clears the flag.
	e.site.Page("http://ex/a")
	cfg.StopOnExceptions = nil
	sum, err = e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.DecisionResumeStopped, sum.Decision)
	require.Equal(t, session.StateCompleted, sum.State)
	require.Equal(t, 2, sum.Processed)
}

// TestCrawlPausesAtMaxDocuments leaves work for the next launch to resume.
func TestCrawlPausesAtMaxDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	refs := []string{"http://ex/1", "http://ex/2", "http://ex/3"}
	for _, ref := range refs {
		e.site.Page(ref)
	}
	cfg := testConfig(refs...)
	cfg.MaxDocuments = 1

	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StatePaused, sum.State)
	require.Equal(t, 1, sum.Processed)
	require.Equal(t, 1, e.events.Count(event.MaxDocumentsReached))

	cfg.MaxDocuments = -1
	sum, err = e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.DecisionResumePaused, sum.Decision)
	require.True(t, sum.Resumed)
	require.Equal(t, session.StateCompleted, sum.State)
	require.Equal(t, 3, sum.Processed)
	require.Len(t, e.committer.Upserts(), 3)
}

// TestStopCommandEndsRunningCrawl raises the flag from a second crawler handle.
func TestStopCommandEndsRunningCrawl(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	release := make(chan struct{})
	provider := StartReferenceProviderFunc(func(context.Context) ([]string, error) {
		<-release
		return []string{"http://ex/late"}, nil
	})
	cfg := testConfig()
	cfg.StartReferencesAsync = true

	type result struct {
		sum Summary
		err error
	}
	running := e.crawler(t, cfg, WithStartReferenceProviders(provider))
	done := make(chan result, 1)
	go func() {
		sum, err := running.Crawl(ctx)
		done <- result{sum, err}
	}()
	require.Eventually(t, func() bool {
		return e.events.Count(event.CrawlerRunBegin) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.crawler(t, cfg).Stop(ctx))
	// Let the running node observe the flag before seeding finishes.
	time.Sleep(5 * cfg.StopPollInterval)
	close(release)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, session.StateStopped, res.sum.State)
		require.Equal(t, 0, res.sum.Processed)
	case <-time.After(2 * time.Second):
		t.Fatal("crawl did not stop")
	}
	require.Equal(t, 1, e.events.Count(event.CrawlerStopRequested))
	require.Zero(t, e.site.Hits("http://ex/late"))
}

// TestCrawlJoinsLiveSession skips bootstrap on a node joining a running session.
func TestCrawlJoinsLiveSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	_, err := session.NewResolver(e.grid, e.clock, time.Minute, nil).Resolve(ctx, "test")
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	sum, err := e.crawler(t, testConfig("http://ex/a"), WithCallbacks(cb)).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.DecisionJoin, sum.Decision)
	require.Zero(t, sum.Processed)
	require.NotContains(t, cb.tasks(), "ledger")
	require.Equal(t, []string{CommandCrawl}, cb.commands())
}

// TestCrawlCallbacksSeeEveryHook checks the hook order for a single document.
func TestCrawlCallbacksSeeEveryHook(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.site.Page("http://ex/a")
	cb := &recordingCallbacks{}
	_, err := e.crawler(t, testConfig("http://ex/a"), WithCallbacks(cb)).Crawl(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ledger", "queue", TaskOrphans}, cb.tasks()[:3])
	require.Equal(t, []string{"http://ex/a"}, cb.documents())
}

func TestCleanRemovesCrawlerState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a")
	c := e.crawler(t, testConfig("http://ex/a"))
	_, err := c.Crawl(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Clean(ctx))
	_, ok, err := c.Registry().Get(ctx, "test")
	require.NoError(t, err)
	require.False(t, ok)
	names, err := e.grid.Storage().Names(ctx)
	require.NoError(t, err)
	for _, name := range names {
		require.NotContains(t, ledger.MapNames("test"), name)
	}
}

func TestCleanRefusesLiveSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	_, err := session.NewResolver(e.grid, e.clock, time.Minute, nil).Resolve(ctx, "test")
	require.NoError(t, err)

	err = e.crawler(t, testConfig()).Clean(ctx)
	require.ErrorIs(t, err, ErrSessionRunning)

	e.clock.Advance(time.Hour)
	require.NoError(t, e.crawler(t, testConfig()).Clean(ctx))
}

func TestQueueBootstrapperReadsFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	path := filepath.Join(t.TempDir(), "refs.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seeds\nhttp://ex/1\n\n  http://ex/2  \nhttp://ex/1\n"), 0o600))
	e.site.Page("http://ex/1")
	e.site.Page("http://ex/2")
	cfg := testConfig()
	cfg.StartReferencesFiles = []string{path}

	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Processed)
	require.Equal(t, 1, e.events.Count(event.RejectedDuplicate))
}

func TestCrawlFailsOnMissingReferenceFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	cfg := testConfig()
	cfg.StartReferencesFiles = []string{filepath.Join(t.TempDir(), "missing.txt")}

	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.Error(t, err)
	require.Equal(t, session.StateFailed, sum.State)
	require.Equal(t, session.StateFailed, e.session(t).CrawlState)
}

func TestCrawlRejectsLinksBeyondMaxDepth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a", "/b")
	e.site.Page("http://ex/b")
	cfg := testConfig("http://ex/a")
	cfg.MaxDepth = 0

	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Processed)
	require.Equal(t, 1, e.events.Count(event.RejectedTooDeep))
}

// TestJoinedNodeLeavesSessionToOwner cancels a joined node while the owner
// is still fetching.
func TestJoinedNodeLeavesSessionToOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a")
	gate := newGatedFetcher(e.site)
	cfg := testConfig("http://ex/a")
	cfg.NumThreads = 1
	cfg.SessionTimeout = time.Minute

	type result struct {
		sum Summary
		err error
	}
	ownerDone := make(chan result, 1)
	go func() {
		sum, err := e.crawlerOn(t, e.grid, gate, cfg).Crawl(ctx)
		ownerDone <- result{sum, err}
	}()
	<-gate.started

	joinCtx, cancel := context.WithCancel(ctx)
	joinDone := make(chan result, 1)
	go func() {
		sum, err := e.crawlerOn(t, nodeView{Grid: e.grid, node: "node-b"}, e.site, cfg).Crawl(joinCtx)
		joinDone <- result{sum, err}
	}()
	require.Eventually(t, func() bool {
		return e.events.Count(event.CrawlerRunBegin) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	var joined result
	select {
	case joined = <-joinDone:
	case <-time.After(2 * time.Second):
		t.Fatal("joined node did not stop")
	}
	require.NoError(t, joined.err)
	require.Equal(t, session.DecisionJoin, joined.sum.Decision)
	require.Equal(t, session.StateStopped, joined.sum.State)
	require.False(t, joined.sum.Recorded)
	require.Equal(t, session.StateRunning, e.session(t).CrawlState)
	active, err := e.ledger(t).ActiveCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, active)

	close(gate.release)
	var owner result
	select {
	case owner = <-ownerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("owner did not finish")
	}
	require.NoError(t, owner.err)
	require.Equal(t, session.StateCompleted, owner.sum.State)
	require.True(t, owner.sum.Recorded)
	require.Equal(t, session.StateCompleted, e.session(t).CrawlState)
	require.Equal(t, 1, e.site.Hits("http://ex/a"))
}

// TestLastNodeRecordsCancelledRun lets a lone node record STOPPED so the
// next launch resumes its interrupted work.
func TestLastNodeRecordsCancelledRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a")
	gate := newGatedFetcher(e.site)
	cfg := testConfig("http://ex/a")
	cfg.NumThreads = 1

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan Summary, 1)
	go func() {
		sum, _ := e.crawlerOn(t, e.grid, gate, cfg).Crawl(runCtx)
		done <- sum
	}()
	<-gate.started
	cancel()

	var sum Summary
	select {
	case sum = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("crawl did not stop")
	}
	require.Equal(t, session.StateStopped, sum.State)
	require.True(t, sum.Recorded)
	require.Equal(t, session.StateStopped, e.session(t).CrawlState)

	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.DecisionResumeStopped, sum.Decision)
	require.Equal(t, 1, sum.ByState[crawler.DocNew])
	require.Equal(t, 1, e.site.Hits("http://ex/a"))
}

func TestCrawlDefersShutdown(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.site.Page("http://ex/a")
	cfg := testConfig("http://ex/a")
	cfg.DeferredShutdown = 50 * time.Millisecond

	start := time.Now()
	sum, err := e.crawler(t, cfg).Crawl(context.Background())
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, sum.State)
	require.GreaterOrEqual(t, time.Since(start), cfg.DeferredShutdown)
}

func TestCrawlDeferredShutdownEndsOnCancel(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.site.Page("http://ex/a")
	cfg := testConfig("http://ex/a")
	cfg.DeferredShutdown = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.crawler(t, cfg).Crawl(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return e.events.Count(event.CrawlerRunEnd) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("deferred shutdown ignored cancel")
	}
	require.Equal(t, session.StateCompleted, e.session(t).CrawlState)
}

// TestCrawlSweepsOrphansAtMaxDocuments deletes orphans when the cap is hit
// with nothing left in the queue.
func TestCrawlSweepsOrphansAtMaxDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	e.site.Page("http://ex/a", "/b")
	e.site.Page("http://ex/b")
	cfg := testConfig("http://ex/a")
	cfg.OrphansStrategy = crawler.OrphansDelete
	_, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)

	e.site.Page("http://ex/a")
	cfg.MaxDocuments = 1
	sum, err := e.crawler(t, cfg).Crawl(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, sum.State)
	require.NotNil(t, sum.Orphans)
	require.Equal(t, 1, sum.Orphans.Deleted)
	require.Len(t, e.committer.Deletes(), 1)
}

// nodeView presents a shared grid under another node name.
type nodeView struct {
	grid.Grid
	node string
}

func (n nodeView) NodeName() string { return n.node }

// gatedFetcher holds fetches until release is closed or ctx is done.
type gatedFetcher struct {
	*fetchtest.Site
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedFetcher(site *fetchtest.Site) *gatedFetcher {
	return &gatedFetcher{Site: site, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.Site.Fetch(ctx, req)
	case <-ctx.Done():
		return crawler.FetchResponse{}, ctx.Err()
	}
}

type recordingCallbacks struct {
	NopCallbacks
	mu    sync.Mutex
	cmds  []string
	taskN []string
	docs  []string
}

func (r *recordingCallbacks) BeforeCommand(_ context.Context, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, command)
}

func (r *recordingCallbacks) BeforeTask(_ context.Context, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskN = append(r.taskN, task)
}

func (r *recordingCallbacks) AfterDocument(_ context.Context, e ledger.Entry, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, e.Reference)
}

func (r *recordingCallbacks) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

func (r *recordingCallbacks) tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.taskN...)
}

func (r *recordingCallbacks) documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.docs...)
}
