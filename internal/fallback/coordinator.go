// Package fallback coordinates streaming across a provider chain. The
// primary provider is tried first unless rate pressure or recent
// failures push it down; switching happens only before any content has
// reached the consumer.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/relay-gw/relay/internal/errclass"
	"github.com/relay-gw/relay/internal/provider"
	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/pkg/protocol"
)

// Rate-pressure thresholds on the provider-reported remaining count.
const (
	criticalRemaining = 5
	lowRemaining      = 10

	limitedPenalty = 50
)

// Coordinator streams through an ordered provider chain with failure
// tracking and rate-aware reordering.
type Coordinator struct {
	limits   *ratelimit.Coordinator
	tracker  *Tracker
	logger   *slog.Logger
	language string

	onFinish func(provider string, ev protocol.StreamEvent, elapsed time.Duration)
}

// NewCoordinator creates a coordinator. logger may be nil.
func NewCoordinator(limits *ratelimit.Coordinator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		limits:   limits,
		tracker:  NewTracker(),
		logger:   logger,
		language: "en",
	}
}

// Tracker exposes the failure tracker for status reporting.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// SetLanguage selects the language for the user-facing explanation on
// terminal errors. Unknown codes fall back to English.
func (c *Coordinator) SetLanguage(lang string) {
	if lang != "" {
		c.language = lang
	}
}

// userFacing rewrites a raw terminal error into the localized
// explanation plus suggested mitigation, keeping the raw cause in
// parentheses for debugging.
func (c *Coordinator) userFacing(providerName, raw string) string {
	kind := errclass.Classify(raw, providerName).Kind
	msg := errclass.UserMessage(raw, providerName, c.language)
	if m := errclass.Mitigation(kind); m != "" {
		msg += " " + m
	}
	return fmt.Sprintf("%s (%s)", msg, errclass.Truncate(raw))
}

// SetFinishHook registers a callback invoked once per provider attempt
// that actually streamed, with its terminal event and elapsed time.
// Must be set before the first Stream call.
func (c *Coordinator) SetFinishHook(fn func(provider string, ev protocol.StreamEvent, elapsed time.Duration)) {
	c.onFinish = fn
}

func (c *Coordinator) notifyFinish(provider string, ev protocol.StreamEvent, started time.Time) {
	if c.onFinish != nil {
		c.onFinish(provider, ev, time.Since(started))
	}
}

// Stream tries providers in availability order until one delivers a
// complete response. The returned channel carries exactly one terminal
// event and is closed after it.
//
// A provider that errors before any text is silently replaced by the
// next candidate. Once text has been forwarded the response belongs to
// that provider: a later error is forwarded as-is and no switch happens,
// because splicing output from two vendors would corrupt the reply.
func (c *Coordinator) Stream(ctx context.Context, providers []provider.Provider, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	out := make(chan protocol.StreamEvent, 1)

	go func() {
		defer close(out)

		ordered := c.orderByAvailability(providers)

		lastErrMsg := ""
		lastErrProvider := ""

		for _, p := range ordered {
			name := p.Name()

			if ok, wait := c.limits.Limiter(name).CanRequest(); !ok {
				c.logger.Warn("provider rate limited, skipping",
					"provider", name, "wait_seconds", wait.Seconds())
				lastErrMsg = fmt.Sprintf("%s rate limited (wait %.0fs)", name, wait.Seconds())
				lastErrProvider = ""
				continue
			}

			c.logger.Info("attempting provider",
				"provider", name, "failure_priority", c.tracker.Priority(name))

			contentStarted := false
			terminal := false
			erroredBeforeContent := false
			started := time.Now()

			events := p.Stream(ctx, req)
		relay:
			for ev := range events {
				switch ev.Type {
				case protocol.EventText:
					contentStarted = true
					if !send(ctx, out, ev) {
						return
					}

				case protocol.EventDone:
					c.tracker.Clear(name)
					c.notifyFinish(name, ev, started)
					if !send(ctx, out, ev) {
						return
					}
					terminal = true
					break relay

				case protocol.EventError:
					c.tracker.RecordFailure(name)
					c.notifyFinish(name, ev, started)
					lastErrMsg = ev.Message
					lastErrProvider = name
					if contentStarted {
						// Response already underway: forward and stop.
						c.logger.Warn("provider failed mid-response",
							"provider", name, "error", ev.Message)
						ev.Message = c.userFacing(name, ev.Message)
						if !send(ctx, out, ev) {
							return
						}
						terminal = true
					} else {
						c.logger.Warn("provider failed before content, trying next",
							"provider", name, "error", ev.Message)
						erroredBeforeContent = true
						// drain and move on
						for range events {
						}
					}
					break relay

				default:
					if !send(ctx, out, ev) {
						return
					}
				}
			}

			if terminal {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if erroredBeforeContent {
				continue
			}
			if contentStarted {
				// Channel closed without a terminal event. The consumer
				// already has partial text, so this must surface as an
				// error rather than a silent switch.
				c.tracker.RecordFailure(name)
				raw := fmt.Sprintf("%s: stream ended unexpectedly", name)
				c.notifyFinish(name, protocol.ErrorEvent(raw), started)
				send(ctx, out, protocol.ErrorEvent(c.userFacing(name, raw)))
				return
			}
			// No events at all: count it as a failure and advance.
			c.tracker.RecordFailure(name)
			c.notifyFinish(name, protocol.ErrorEvent("empty stream"), started)
			lastErrMsg = fmt.Sprintf("%s returned an empty stream", name)
			lastErrProvider = ""
		}

		c.logger.Error("all providers exhausted", "tried", len(ordered), "last_error", lastErrMsg)
		if lastErrMsg == "" {
			lastErrMsg = "no providers configured"
		}
		send(ctx, out, protocol.ErrorEvent(c.userFacing(lastErrProvider, lastErrMsg)))
	}()

	return out
}

// orderByAvailability scores candidates (lower is better) and sorts
// ascending, keeping caller order on ties. Scores are recomputed per
// request because limiter and tracker state move constantly.
func (c *Coordinator) orderByAvailability(providers []provider.Provider) []provider.Provider {
	type scored struct {
		p     provider.Provider
		score int
	}
	list := make([]scored, len(providers))
	for i, p := range providers {
		list[i] = scored{p: p, score: c.score(p.Name())}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score < list[j].score })

	out := make([]provider.Provider, len(list))
	for i, s := range list {
		out[i] = s.p
	}
	return out
}

func (c *Coordinator) score(name string) int {
	l := c.limits.Limiter(name)

	rate := 0
	if remaining := l.Remaining(); remaining >= 0 {
		switch {
		case remaining <= criticalRemaining:
			rate = 100
		case remaining <= lowRemaining:
			rate = 60
		default:
			rate = 100 - remaining
			if rate < 0 {
				rate = 0
			}
		}
	}

	score := rate + c.tracker.Priority(name)
	if l.Limited() {
		score += limitedPenalty
	}
	return score
}

func send(ctx context.Context, out chan<- protocol.StreamEvent, ev protocol.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
