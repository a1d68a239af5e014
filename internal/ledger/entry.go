package ledger

import (
	"time"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// Entry is the ledger record of a single reference.
type Entry struct {
	Reference       string                  `json:"reference"`
	ProcessingState crawler.ProcessingState `json:"processingState"`
	CrawlState      crawler.DocState        `json:"crawlState,omitempty"`
	MetaChecksum    string                  `json:"metadataChecksum,omitempty"`
	ContentChecksum string                  `json:"documentChecksum,omitempty"`
	Depth           int                     `json:"depth"`
	Orphan          bool                    `json:"isOrphan,omitempty"`
	ParentReference string                  `json:"parentReference,omitempty"`
	ContentType     string                  `json:"contentType,omitempty"`
	QueuedAt        time.Time               `json:"queuedAt"`
	ProcessedAt     *time.Time              `json:"processedAt,omitempty"`
	Committed       bool                    `json:"committed,omitempty"`
}

// QueueRequest asks the ledger to track a reference.
type QueueRequest struct {
	Reference string
	Depth     int
	Parent    string
	Orphan    bool
}

// QueueResult tells the caller what Queue did with a request.
type QueueResult string

// Possible queue results.
const (
	Queued            QueueResult = "QUEUED"
	RejectedTooDeep   QueueResult = "REJECTED_TOO_DEEP"
	RejectedDuplicate QueueResult = "REJECTED_DUPLICATE"
	RejectedInvalid   QueueResult = "REJECTED_INVALID"
)

// Accepted reports whether the reference entered the queue.
func (r QueueResult) Accepted() bool {
	return r == Queued
}

// InitResult describes the ledger right after Init.
type InitResult struct {
	QueueEmpty     bool
	ProcessedEmpty bool
	Rotated        int
	Requeued       int
}

// OrphanReport counts what a sweep did.
type OrphanReport struct {
	Strategy crawler.OrphansStrategy
	Skipped  bool
	Found    int
	Requeued int
	Deleted  int
	Failed   int
}
