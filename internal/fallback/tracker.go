package fallback

import (
	"sync"
	"time"
)

// failureResetBase is how long a single failure stays on the record;
// each additional failure extends the penalty window.
const (
	failureResetBase = 5 * time.Minute
	failureResetStep = time.Minute
)

// Tracker remembers recent provider failures so ordering can deprioritize
// flaky providers. Counts decay to zero after a deadline that grows with
// repeated failures.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackerEntry

	now func() time.Time // test hook
}

type trackerEntry struct {
	count   int
	resetAt time.Time
}

// NewTracker creates an empty failure tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*trackerEntry),
		now:     time.Now,
	}
}

// RecordFailure bumps a provider's failure count and extends its reset
// deadline.
func (t *Tracker) RecordFailure(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[provider]
	if e == nil {
		e = &trackerEntry{}
		t.entries[provider] = e
	}
	e.count++
	e.resetAt = t.now().Add(failureResetBase + time.Duration(e.count)*failureResetStep)
}

// Clear wipes a provider's failure record after a success.
func (t *Tracker) Clear(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, provider)
}

// Failures returns the current failure count, lazily expiring stale
// entries.
func (t *Tracker) Failures(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[provider]
	if e == nil {
		return 0
	}
	if t.now().After(e.resetAt) {
		delete(t.entries, provider)
		return 0
	}
	return e.count
}

// Priority maps a provider's failure count into an ordering penalty.
// 0 means clean, 100 means repeatedly failing.
func (t *Tracker) Priority(provider string) int {
	switch n := t.Failures(provider); {
	case n == 0:
		return 0
	case n == 1:
		return 10
	case n == 2:
		return 30
	default:
		return 100
	}
}
