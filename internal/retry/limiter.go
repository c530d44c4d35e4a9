package retry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HeaderRetryAfter is the retry-after header (seconds or HTTP date)
const HeaderRetryAfter = "Retry-After"

// Limiter combines proactive token-bucket throttling with a reactive pause
// set when a remote reports rate limiting. One Limiter is shared by every
// caller of the same remote.
type Limiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	retryAt time.Time
	hits    int
}

// NewLimiter creates a limiter allowing rps requests per second.
// A non-positive rps disables proactive throttling.
func NewLimiter(rps float64, burst int) *Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(limit, burst)}
}

// Wait blocks until it's safe to make a request
func (l *Limiter) Wait(ctx context.Context) error {
	// 1. Reactive pause from a previous rate-limit response
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	// 2. Token bucket
	return l.bucket.Wait(ctx)
}

// Backoff pauses all callers for at least d
func (l *Limiter) Backoff(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits++
	if until := time.Now().Add(d); until.After(l.retryAt) {
		l.retryAt = until
	}
}

// Hits returns how many times Backoff was recorded
func (l *Limiter) Hits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hits
}

// RetryAt returns the time callers are paused until
func (l *Limiter) RetryAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryAt
}

// ParseRetryAfter reads a Retry-After header, falling back to def
func ParseRetryAfter(h http.Header, def time.Duration) time.Duration {
	v := h.Get(HeaderRetryAfter)
	if v == "" {
		return def
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return def
}
