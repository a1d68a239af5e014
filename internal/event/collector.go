package event

import (
	"context"
	"sync"
)

// Collector is a Sink that keeps every event in memory. It backs the admin
// API's recent-events view and tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewCollector keeps at most limit events, dropping the oldest. A limit <= 0
// keeps everything.
func NewCollector(limit int) *Collector {
	return &Collector{limit: limit}
}

// Consume appends the batch.
func (c *Collector) Consume(_ context.Context, batch []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, batch...)
	if c.limit > 0 && len(c.events) > c.limit {
		c.events = append([]Event(nil), c.events[len(c.events)-c.limit:]...)
	}
	return nil
}

// Close implements Sink.
func (c *Collector) Close(context.Context) error {
	return nil
}

// Events returns a copy of the collected events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Count returns how many collected events have type t.
func (c *Collector) Count(t Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}
