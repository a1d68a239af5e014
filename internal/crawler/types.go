package crawler

import (
	"net/http"
	"strings"
	"time"
)

// ProcessingState tracks where a reference sits in the ledger.
type ProcessingState string

// Supported processing states.
const (
	ProcessingQueued    ProcessingState = "QUEUED"
	ProcessingActive    ProcessingState = "ACTIVE"
	ProcessingProcessed ProcessingState = "PROCESSED"
)

// DocState is the outcome recorded for a processed reference.
type DocState string

// Supported document outcomes.
const (
	DocNew        DocState = "NEW"
	DocModified   DocState = "MODIFIED"
	DocUnmodified DocState = "UNMODIFIED"
	DocDeleted    DocState = "DELETED"
	DocError      DocState = "ERROR"
	DocBadStatus  DocState = "BAD_STATUS"
	DocRejected   DocState = "REJECTED"
)

// IsNewOrModified reports whether the outcome should reach the committer as an upsert.
func (s DocState) IsNewOrModified() bool {
	return s == DocNew || s == DocModified
}

// IsGoodState reports whether the reference was reachable and accepted.
func (s DocState) IsGoodState() bool {
	return s == DocNew || s == DocModified || s == DocUnmodified
}

// OrphansStrategy decides what happens to cached references not seen in the current session.
type OrphansStrategy string

// Supported orphan strategies.
const (
	OrphansProcess OrphansStrategy = "PROCESS"
	OrphansDelete  OrphansStrategy = "DELETE"
	OrphansIgnore  OrphansStrategy = "IGNORE"
)

// ParseOrphansStrategy converts a configuration string into an OrphansStrategy.
func ParseOrphansStrategy(raw string) (OrphansStrategy, bool) {
	switch s := OrphansStrategy(strings.ToUpper(strings.TrimSpace(raw))); s {
	case OrphansProcess, OrphansDelete, OrphansIgnore:
		return s, true
	case "":
		return OrphansProcess, true
	default:
		return "", false
	}
}

// FetchStatus classifies a single fetch attempt.
type FetchStatus string

// Supported fetch statuses.
const (
	FetchSuccess     FetchStatus = "SUCCESS"
	FetchTransient   FetchStatus = "TRANSIENT"
	FetchBadStatus   FetchStatus = "BAD_STATUS"
	FetchNotFound    FetchStatus = "NOT_FOUND"
	FetchError       FetchStatus = "ERROR"
	FetchUnsupported FetchStatus = "UNSUPPORTED"
)

// FetchRequest describes a single reference to retrieve.
type FetchRequest struct {
	Reference string
	Depth     int
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Status      FetchStatus
	Reason      string
	Headers     http.Header
	ContentType string
	Body        []byte
	Duration    time.Duration
	Err         error
}

// OK reports whether the response carries usable content.
func (r FetchResponse) OK() bool {
	return r.Status == FetchSuccess
}

// UpsertRequest is sent to the committer for new or modified documents.
type UpsertRequest struct {
	Reference   string
	ContentType string
	Checksum    string
	Metadata    map[string][]string
	Content     []byte
	Depth       int
	CommittedAt time.Time
}

// DeleteRequest is sent to the committer for documents that disappeared.
type DeleteRequest struct {
	Reference string
	Metadata  map[string][]string
	Reason    string
}
