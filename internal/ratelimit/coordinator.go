package ratelimit

import "sync"

// Coordinator hands out one Limiter per provider name. Limiters live for
// the process lifetime so window state survives across requests.
type Coordinator struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	maxRPM   map[string]int
}

// NewCoordinator creates an empty coordinator. maxRPM maps provider name
// to its per-minute cap; providers not listed get the default.
func NewCoordinator(maxRPM map[string]int) *Coordinator {
	return &Coordinator{
		limiters: make(map[string]*Limiter),
		maxRPM:   maxRPM,
	}
}

// Limiter returns the limiter for a provider, creating it on first use.
func (c *Coordinator) Limiter(provider string) *Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[provider]
	if !ok {
		l = NewLimiter(provider, c.maxRPM[provider])
		c.limiters[provider] = l
	}
	return l
}

// Status returns snapshots for every provider seen so far.
func (c *Coordinator) Status() []Snapshot {
	c.mu.Lock()
	limiters := make([]*Limiter, 0, len(c.limiters))
	for _, l := range c.limiters {
		limiters = append(limiters, l)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.Status())
	}
	return out
}
