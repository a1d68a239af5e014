package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// Type names a crawl event.
type Type string

// Supported event types.
const (
	CrawlerRunBegin         Type = "CRAWLER_RUN_BEGIN"
	CrawlerRunEnd           Type = "CRAWLER_RUN_END"
	CrawlerStopRequested    Type = "CRAWLER_STOP_REQUESTED"
	SessionResolved         Type = "SESSION_RESOLVED"
	SessionHeartbeat        Type = "SESSION_HEARTBEAT"
	DocumentQueued          Type = "DOCUMENT_QUEUED"
	RejectedTooDeep         Type = "REJECTED_TOO_DEEP"
	RejectedDuplicate       Type = "REJECTED_DUPLICATE"
	DocumentFetched         Type = "DOCUMENT_FETCHED"
	DocumentCommittedUpsert Type = "DOCUMENT_COMMITTED_UPSERT"
	DocumentCommittedDelete Type = "DOCUMENT_COMMITTED_DELETE"
	DocumentUnmodified      Type = "DOCUMENT_UNMODIFIED"
	DocumentProcessedError  Type = "DOCUMENT_PROCESSED_ERROR"
	MaxDocumentsReached     Type = "MAX_DOCUMENTS_REACHED"
	OrphansSwept            Type = "ORPHANS_SWEPT"
)

var knownTypes = map[Type]bool{
	CrawlerRunBegin:         true,
	CrawlerRunEnd:           true,
	CrawlerStopRequested:    true,
	SessionResolved:         true,
	SessionHeartbeat:        true,
	DocumentQueued:          true,
	RejectedTooDeep:         true,
	RejectedDuplicate:       true,
	DocumentFetched:         true,
	DocumentCommittedUpsert: true,
	DocumentCommittedDelete: true,
	DocumentUnmodified:      true,
	DocumentProcessedError:  true,
	MaxDocumentsReached:     true,
	OrphansSwept:            true,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// IsDocument reports whether the event is scoped to a single reference.
func (t Type) IsDocument() bool {
	switch t {
	case DocumentQueued, RejectedTooDeep, RejectedDuplicate, DocumentFetched,
		DocumentCommittedUpsert, DocumentCommittedDelete, DocumentUnmodified, DocumentProcessedError:
		return true
	default:
		return false
	}
}

// Event is a single crawl occurrence.
type Event struct {
	Type      Type
	CrawlerID string
	// Node is the grid node name that emitted the event.
	Node string
	TS   time.Time
	// Reference is set on document events.
	Reference string
	Depth     int
	// State is the processing outcome, when one is known.
	State crawler.DocState
	// Fetcher and StatusCode describe DOCUMENT_FETCHED events.
	Fetcher    string
	StatusCode int
	Bytes      int64
	Dur        time.Duration
	// Count carries aggregate figures such as swept orphans.
	Count int
	Note  string
	Err   error
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.CrawlerID == "" {
		return errors.New("crawler id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Type.IsDocument() && e.Reference == "" {
		return fmt.Errorf("%s requires a reference", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
