package crawler

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// ClassifyError decides whether a fetch error is worth retrying. Cancellation
// is terminal, network errors are transient only when they time out, and
// anything else is treated as a transient transport failure.
func ClassifyError(err error) FetchStatus {
	if err == nil {
		return FetchSuccess
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FetchError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FetchTransient
		}
		return FetchError
	}
	return FetchTransient
}

// ClassifyStatusCode maps an HTTP status code to a FetchStatus.
func ClassifyStatusCode(code int) FetchStatus {
	switch {
	case code >= 200 && code < 300:
		return FetchSuccess
	case code == http.StatusNotFound || code == http.StatusGone:
		return FetchNotFound
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return FetchTransient
	case code >= 500 && code < 600:
		return FetchTransient
	default:
		return FetchBadStatus
	}
}
