package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	require.Equal(t, FetchSuccess, ClassifyError(nil))
	require.Equal(t, FetchError, ClassifyError(context.Canceled))
	require.Equal(t, FetchError, ClassifyError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	require.Equal(t, FetchTransient, ClassifyError(timeoutErr{timeout: true}))
	require.Equal(t, FetchError, ClassifyError(timeoutErr{timeout: false}))
	require.Equal(t, FetchTransient, ClassifyError(errors.New("connection reset")))
}

func TestClassifyStatusCode(t *testing.T) {
	t.Parallel()

	cases := map[int]FetchStatus{
		http.StatusOK:                  FetchSuccess,
		http.StatusNoContent:           FetchSuccess,
		http.StatusNotFound:            FetchNotFound,
		http.StatusGone:                FetchNotFound,
		http.StatusTooManyRequests:     FetchTransient,
		http.StatusBadGateway:          FetchTransient,
		http.StatusForbidden:           FetchBadStatus,
		http.StatusMovedPermanently:    FetchBadStatus,
		http.StatusInternalServerError: FetchTransient,
	}
	for code, want := range cases {
		require.Equal(t, want, ClassifyStatusCode(code), "code %d", code)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, ErrorKind(""), KindOf(nil))
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	err := fmt.Errorf("outer: %w", NewDocumentError(KindCommit, "http://ex/a", errors.New("disk full")))
	require.Equal(t, KindCommit, KindOf(err))
	require.Equal(t, KindUndefined, KindOf(errors.New("plain")))
	require.Contains(t, err.Error(), "commit error on http://ex/a")
}

func TestParseOrphansStrategy(t *testing.T) {
	t.Parallel()

	s, ok := ParseOrphansStrategy("delete")
	require.True(t, ok)
	require.Equal(t, OrphansDelete, s)

	s, ok = ParseOrphansStrategy("")
	require.True(t, ok)
	require.Equal(t, OrphansProcess, s)

	_, ok = ParseOrphansStrategy("explode")
	require.False(t, ok)
}

func TestParseErrorKind(t *testing.T) {
	t.Parallel()

	k, ok := ParseErrorKind(" Fetch ")
	require.True(t, ok)
	require.Equal(t, KindFetch, k)

	_, ok = ParseErrorKind("network")
	require.False(t, ok)
}
