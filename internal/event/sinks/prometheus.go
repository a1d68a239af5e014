package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// PrometheusSink exports crawl event counters and run timings.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	runsStarted  prometheus.Counter
	runsRunning  prometheus.Gauge
	runRuntime   *prometheus.HistogramVec
	fetchBytes   *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_events_total",
			Help: "Crawl events partitioned by crawler and type.",
		}, []string{"crawler", "type"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Crawl runs started on this node.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Crawl runs currently executing on this node.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_runtime_seconds",
			Help:    "Wall time per finished run, partitioned by end state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"state"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetched_bytes_total",
			Help: "Bytes of fetched documents per site.",
		}, []string{"site"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by fetcher.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"fetcher"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.runsStarted,
		s.runsRunning,
		s.runRuntime,
		s.fetchBytes,
		s.fetchLatency,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []event.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(evt.CrawlerID, string(evt.Type)).Inc()
		switch evt.Type {
		case event.CrawlerRunBegin:
			s.runsStarted.Inc()
			if s.tracker.start(evt.CrawlerID) {
				s.runsRunning.Inc()
			}
		case event.CrawlerRunEnd:
			if s.tracker.complete(evt.CrawlerID) {
				s.runsRunning.Dec()
			}
			if evt.Dur > 0 {
				s.runRuntime.WithLabelValues(evt.Note).Observe(evt.Dur.Seconds())
			}
		case event.DocumentFetched:
			if evt.Bytes > 0 {
				s.fetchBytes.WithLabelValues(metrics.SanitizeSite(evt.Reference)).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchLatency.WithLabelValues(evt.Fetcher).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
