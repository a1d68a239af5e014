package committer

import (
	"context"
	"sync"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// Recorder keeps every commit in memory. It backs the "memory" committer
// type and is handy in tests.
type Recorder struct {
	mu      sync.Mutex
	upserts []crawler.UpsertRequest
	deletes []crawler.DeleteRequest
	closed  bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Upsert implements crawler.Committer.
func (r *Recorder) Upsert(_ context.Context, req crawler.UpsertRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, req)
	return nil
}

// Delete implements crawler.Committer.
func (r *Recorder) Delete(_ context.Context, req crawler.DeleteRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, req)
	return nil
}

// Close implements crawler.Committer.
func (r *Recorder) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Upserts returns the recorded upserts in order.
func (r *Recorder) Upserts() []crawler.UpsertRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.UpsertRequest(nil), r.upserts...)
}

// Deletes returns the recorded deletes in order.
func (r *Recorder) Deletes() []crawler.DeleteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.DeleteRequest(nil), r.deletes...)
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
