package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relay-gw/relay/internal/errclass"
	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/pkg/protocol"
)

// attemptFunc performs one streaming request and forwards events to s.
type attemptFunc func(ctx context.Context, s sender) streamOutcome

// executor runs a streaming call with rate limiting and classified
// retries. All providers share it; only the attempt differs.
type executor struct {
	provider string // classifier hint ("openai", "anthropic", "google")
	name     string // instance name for limiter and logs
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) bool // test hook
}

func newExecutor(provider, name string, limits *ratelimit.Coordinator, maxPerMinute int) *executor {
	c := limits
	if c == nil {
		c = ratelimit.NewCoordinator(map[string]int{name: maxPerMinute})
	}
	return &executor{
		provider: provider,
		name:     name,
		limiter:  c.Limiter(name),
		logger:   slog.Default().With("provider", name),
		sleep:    sleepCtx,
	}
}

// run executes the attempt with retries and guarantees exactly one
// terminal event on the returned channel before closing it.
func (e *executor) run(ctx context.Context, attempt attemptFunc) <-chan protocol.StreamEvent {
	ch := make(chan protocol.StreamEvent, eventBuffer)
	s := sender{ctx: ctx, ch: ch}

	go func() {
		defer close(ch)

		if ok, wait := e.limiter.CanRequest(); !ok {
			s.send(protocol.ErrorEvent(fmt.Sprintf(
				"%s: rate limit: wait %.0fs before retrying", e.name, wait.Seconds())))
			return
		}

		for try := 0; ; try++ {
			e.limiter.RecordRequest()

			out := attempt(ctx, s)
			if out.terminal || out.consumerGone {
				return
			}

			errMsg := "stream ended without completion"
			if out.err != nil {
				errMsg = out.err.Error()
			}

			c := errclass.Classify(errMsg, e.provider)
			// A partially delivered response is never retried: replaying
			// the request would duplicate text the consumer already has.
			if out.textStarted || !c.Retryable || try >= errclass.MaxRetries(c.Kind) {
				e.logger.Warn("stream failed",
					"kind", string(c.Kind), "attempt", try, "error", errclass.Truncate(errMsg))
				s.send(protocol.ErrorEvent(fmt.Sprintf("%s: %s", e.name, errclass.Truncate(errMsg))))
				return
			}

			delay := errclass.BackoffDelay(c.Kind, try)
			e.logger.Info("retrying stream",
				"kind", string(c.Kind), "attempt", try, "delay", delay.String())
			if !s.send(protocol.StatusEvent(fmt.Sprintf("%s: %s, retrying in %s", e.name, c.Kind, delay))) {
				return
			}
			if !e.sleep(ctx, delay) {
				return
			}
			if ok, wait := e.limiter.CanRequest(); !ok {
				s.send(protocol.ErrorEvent(fmt.Sprintf(
					"%s: rate limit: wait %.0fs before retrying", e.name, wait.Seconds())))
				return
			}
		}
	}()

	return ch
}

// sleepCtx waits for d or until ctx is done. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
