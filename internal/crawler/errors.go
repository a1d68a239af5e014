package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind names a class of per-document failure. Kinds are what
// crawler.stop_on_exceptions matches against.
type ErrorKind string

// Known error kinds.
const (
	KindFetch     ErrorKind = "fetch"
	KindProcess   ErrorKind = "process"
	KindCommit    ErrorKind = "commit"
	KindLedger    ErrorKind = "ledger"
	KindTimeout   ErrorKind = "timeout"
	KindUndefined ErrorKind = "undefined"
)

// DocumentError wraps a failure that happened while handling one reference.
type DocumentError struct {
	Kind      ErrorKind
	Reference string
	Err       error
}

// NewDocumentError builds a DocumentError.
func NewDocumentError(kind ErrorKind, reference string, err error) *DocumentError {
	return &DocumentError{Kind: kind, Reference: reference, Err: err}
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s error on %s: %v", e.Kind, e.Reference, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind carried by err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var docErr *DocumentError
	if errors.As(err, &docErr) {
		return docErr.Kind
	}
	return KindUndefined
}

// ParseErrorKind converts a configuration string into an ErrorKind.
func ParseErrorKind(raw string) (ErrorKind, bool) {
	switch k := ErrorKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindFetch, KindProcess, KindCommit, KindLedger, KindTimeout, KindUndefined:
		return k, true
	default:
		return "", false
	}
}
