package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/fake"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		CrawlerID:      "c1",
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Type: CrawlerRunBegin})
	hub.Emit(Event{Type: SessionResolved})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		CrawlerID:      "c1",
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Type: CrawlerRunBegin})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubStampsDefaults checks crawler id, node and timestamp are filled in.
func TestHubStampsDefaults(t *testing.T) {
	t.Parallel()

	clock := fake.New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	collector := NewCollector(0)
	hub := NewHub(Config{CrawlerID: "c1", Node: "node-a", Clock: clock}, collector)
	hub.Emit(Event{Type: DocumentQueued, Reference: "https://ex.com/"})
	hub.Emit(Event{Type: DocumentQueued, CrawlerID: "other", Reference: "https://ex.com/b"})
	require.NoError(t, hub.Close(context.Background()))

	got := collector.Events()
	require.Len(t, got, 2)
	require.Equal(t, "c1", got[0].CrawlerID)
	require.Equal(t, "node-a", got[0].Node)
	require.Equal(t, clock.Now(), got[0].TS)
	require.Equal(t, "other", got[1].CrawlerID)
	require.Equal(t, 2, collector.Count(DocumentQueued))
}

// TestHubDropsInvalidEvents rejects unknown types and document events without a reference.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	collector := NewCollector(0)
	hub := NewHub(Config{CrawlerID: "c1"}, collector)
	hub.Emit(Event{Type: "NOPE"})
	hub.Emit(Event{Type: DocumentFetched})
	hub.Emit(Event{Type: OrphansSwept, Count: 3})
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, collector.Events(), 1)
	require.Equal(t, 3, collector.Events()[0].Count)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{CrawlerID: "c1", Clock: wallClock{}},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(Event{Type: CrawlerRunBegin})
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains buffered events and ignores later emits.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		CrawlerID:      "c1",
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(Event{Type: CrawlerRunBegin})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(Event{Type: CrawlerRunEnd})

	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)
}

func TestCollectorLimit(t *testing.T) {
	t.Parallel()

	c := NewCollector(2)
	require.NoError(t, c.Consume(context.Background(), []Event{
		{Type: DocumentQueued, Reference: "a"},
		{Type: DocumentQueued, Reference: "b"},
		{Type: DocumentQueued, Reference: "c"},
	}))
	got := c.Events()
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Reference)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}
