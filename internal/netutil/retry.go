// File: internal/netutil/retry.go
package netutil

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Outcome classifies the result of one HTTP exchange for retry purposes.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeRetryableServer
	OutcomeRetryableNetwork
	OutcomeFatal
)

// String returns a short label for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeRetryableServer:
		return "retryable_server"
	case OutcomeRetryableNetwork:
		return "retryable_network"
	default:
		return "fatal"
	}
}

// Retryable reports whether the outcome warrants another attempt.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeRetryableServer, OutcomeRetryableNetwork:
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status code to a retry outcome. A transport
// level error has no status; callers classify that as OutcomeRetryableNetwork
// themselves.
func ClassifyStatus(code int) Outcome {
	switch {
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code >= 500:
		return OutcomeRetryableServer
	case code >= 200 && code < 300:
		return OutcomeSuccess
	default:
		return OutcomeFatal
	}
}

// RetryAfter extracts a server-mandated delay from a 429 response, if present.
func RetryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// RetryPolicy is the exponential-backoff policy used by the API-mode clients.
// It is deliberately separate from the fixed-delay session recovery retry in
// the browser layer: rate limits and flaky networks want growing, jittered
// delays; a dead browser session wants a small fixed number of rebuild
// attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// AllowUnsafeRetries permits retrying non-idempotent writes. Off by
	// default: a timed-out PostMessage may well have landed.
	AllowUnsafeRetries bool
}

// Backoff computes the delay before attempt n (1-based): base * 2^(n-1),
// capped at MaxDelay, with up to 25% random jitter added.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d + jitter
}

// ShouldRetry decides whether attempt n (1-based) may be followed by another,
// given the outcome and whether the call is idempotent.
func (p RetryPolicy) ShouldRetry(attempt int, outcome Outcome, idempotent bool) bool {
	if !outcome.Retryable() {
		return false
	}
	if !idempotent && !p.AllowUnsafeRetries {
		return false
	}
	return attempt <= p.MaxRetries
}
