package ratelimit

import (
	"sync"
	"time"
)

const window = 60 * time.Second

// Limiter tracks request rate for a single provider. It combines a local
// sliding window with rate-limit signals reported by the provider itself
// (remaining-request headers, retry-after).
type Limiter struct {
	mu sync.Mutex

	provider     string
	maxPerMinute int
	requests     []time.Time // FIFO, oldest first

	// Remote state from response headers.
	remaining  int // -1 when unknown
	resetAt    time.Time
	retryUntil time.Time

	limited       bool
	limitCount    int
	totalWaitTime time.Duration

	now func() time.Time // test hook
}

// NewLimiter creates a limiter for one provider. maxPerMinute <= 0 means
// a default of 60 requests per minute.
func NewLimiter(provider string, maxPerMinute int) *Limiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	return &Limiter{
		provider:     provider,
		maxPerMinute: maxPerMinute,
		remaining:    -1,
		now:          time.Now,
	}
}

// CanRequest reports whether a request may be sent now. When denied it
// returns how long the caller should wait. Calling it repeatedly has no
// side effects beyond expiring stale window entries.
func (l *Limiter) CanRequest() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if now.Before(l.retryUntil) {
		l.markLimited(now)
		return false, l.retryUntil.Sub(now)
	}

	if len(l.requests) >= l.maxPerMinute {
		wait := window - now.Sub(l.requests[0])
		if wait < 0 {
			wait = 0
		}
		l.markLimited(now)
		return false, wait
	}

	// Clearing the limited flag requires both window headroom and no
	// active retry-after deadline.
	l.limited = false
	return true, 0
}

// RecordRequest registers a request that is about to be sent.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.requests = append(l.requests, now)
}

// UpdateFromHeaders folds provider-reported rate-limit state into the
// limiter. remaining may be nil when the header was absent. resetUnix is
// the epoch second the remote window resets at (0 when absent).
// retryAfter is the Retry-After value in seconds (0 when absent).
func (l *Limiter) UpdateFromHeaders(remaining *int, resetUnix int64, retryAfter float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if remaining != nil {
		l.remaining = *remaining
	}
	if resetUnix > 0 {
		l.resetAt = time.Unix(resetUnix, 0)
	}
	if retryAfter > 0 {
		l.retryUntil = now.Add(time.Duration(retryAfter * float64(time.Second)))
		l.markLimited(now)
	}
}

// Snapshot is a point-in-time view of limiter state for the status API.
type Snapshot struct {
	Provider      string  `json:"provider"`
	WindowUsed    int     `json:"window_used"`
	MaxPerMinute  int     `json:"max_per_minute"`
	Remaining     int     `json:"remaining"` // -1 when unknown
	Limited       bool    `json:"limited"`
	LimitCount    int     `json:"limit_count"`
	TotalWaitSecs float64 `json:"total_wait_seconds"`
	RetryAfterIn  float64 `json:"retry_after_in,omitempty"`
}

// Status returns the current limiter state.
func (l *Limiter) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	s := Snapshot{
		Provider:      l.provider,
		WindowUsed:    len(l.requests),
		MaxPerMinute:  l.maxPerMinute,
		Remaining:     l.remaining,
		Limited:       l.limited,
		LimitCount:    l.limitCount,
		TotalWaitSecs: l.totalWaitTime.Seconds(),
	}
	if now.Before(l.retryUntil) {
		s.RetryAfterIn = l.retryUntil.Sub(now).Seconds()
	}
	return s
}

// Remaining returns the provider-reported remaining request count,
// or -1 when no header has been seen.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Limited reports whether the limiter is currently in a limited state.
func (l *Limiter) Limited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited
}

// prune drops window entries older than 60s. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.requests) && l.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = l.requests[i:]
	}
}

// markLimited sets the limited flag and bumps stats once per transition.
// Caller holds l.mu.
func (l *Limiter) markLimited(now time.Time) {
	if l.limited {
		return
	}
	l.limited = true
	l.limitCount++
	if now.Before(l.retryUntil) {
		l.totalWaitTime += l.retryUntil.Sub(now)
	}
}
