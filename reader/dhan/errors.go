package dhan

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimit is the distinguished "slow down" outcome of an upstream call. It
// is a value, not an error: the calling scheduler pauses the whole cycle for
// RetryAfter and then decides whether to retry. Nothing here retries
// automatically, which keeps cancellation in the caller's hands.
type RateLimit struct {
	RetryAfter time.Duration
}

// UpstreamStatusError is any non-200, non-429 response. It means "no data
// this cycle", never a fatal condition.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// TransientError wraps timeouts and connection failures. The caller's loop
// proceeds to the next scheduled cycle instead of retrying in a tight loop.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient upstream failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a timeout or connection-level failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// retryAfterHint reads the Retry-After header as whole seconds. Absent or
// non-numeric values fall back to def.
func retryAfterHint(h http.Header, def time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
