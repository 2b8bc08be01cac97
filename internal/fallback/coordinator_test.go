package fallback

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/relay-gw/relay/internal/provider"
	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedProvider replays a fixed event sequence per Stream call.
type scriptedProvider struct {
	name    string
	scripts [][]protocol.StreamEvent
	models  []string
	calls   int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Stream(ctx context.Context, _ protocol.ChatRequest) <-chan protocol.StreamEvent {
	script := p.scripts[0]
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++

	ch := make(chan protocol.StreamEvent, len(script)+1)
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch
}

func (p *scriptedProvider) Models(context.Context) []string     { return p.models }
func (p *scriptedProvider) ValidateCredentials() (bool, string) { return true, "" }

func collect(ch <-chan protocol.StreamEvent) []protocol.StreamEvent {
	var events []protocol.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func doneScript(text ...string) []protocol.StreamEvent {
	var evs []protocol.StreamEvent
	for _, s := range text {
		evs = append(evs, protocol.TextEvent(s))
	}
	return append(evs, protocol.DoneEvent(protocol.FinishStop, nil, nil))
}

func errScript(msg string) []protocol.StreamEvent {
	return []protocol.StreamEvent{protocol.ErrorEvent(msg)}
}

func newTestCoordinator() *Coordinator {
	return NewCoordinator(ratelimit.NewCoordinator(nil), nil)
}

func TestStream_PrimarySucceeds(t *testing.T) {
	c := newTestCoordinator()
	primary := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{doneScript("hi")}}
	backup := &scriptedProvider{name: "b", scripts: [][]protocol.StreamEvent{doneScript("never")}}

	events := collect(c.Stream(context.Background(), []provider.Provider{primary, backup}, protocol.ChatRequest{}))

	if backup.calls != 0 {
		t.Error("backup must not be called when primary succeeds")
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventDone {
		t.Fatalf("expected done, got %+v", last)
	}
}

func TestStream_ErrorBeforeContentFallsBack(t *testing.T) {
	c := newTestCoordinator()
	primary := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{errScript("boom")}}
	backup := &scriptedProvider{name: "b", scripts: [][]protocol.StreamEvent{doneScript("saved")}}

	events := collect(c.Stream(context.Background(), []provider.Provider{primary, backup}, protocol.ChatRequest{}))

	if backup.calls != 1 {
		t.Fatal("backup should take over after pre-content error")
	}
	for _, ev := range events {
		if ev.Type == protocol.EventError {
			t.Fatalf("primary error must not leak to consumer: %+v", ev)
		}
	}
	var text string
	for _, ev := range events {
		if ev.Type == protocol.EventText {
			text += ev.Delta
		}
	}
	if text != "saved" {
		t.Errorf("expected backup text, got %q", text)
	}
	if c.Tracker().Failures("a") != 1 {
		t.Error("primary failure should be recorded")
	}
	if c.Tracker().Failures("b") != 0 {
		t.Error("backup success should clear its record")
	}
}

func TestStream_ErrorAfterContentStopsChain(t *testing.T) {
	c := newTestCoordinator()
	primary := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{{
		protocol.TextEvent("partial "),
		protocol.ErrorEvent("died mid-flight"),
	}}}
	backup := &scriptedProvider{name: "b", scripts: [][]protocol.StreamEvent{doneScript("never")}}

	events := collect(c.Stream(context.Background(), []provider.Provider{primary, backup}, protocol.ChatRequest{}))

	if backup.calls != 0 {
		t.Fatal("must not switch vendors after content started")
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventError || !strings.Contains(last.Message, "died mid-flight") {
		t.Fatalf("mid-response error must be forwarded, got %+v", last)
	}
}

func TestStream_AllProvidersFail(t *testing.T) {
	c := newTestCoordinator()
	a := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{errScript("a down")}}
	b := &scriptedProvider{name: "b", scripts: [][]protocol.StreamEvent{errScript("b down")}}

	events := collect(c.Stream(context.Background(), []provider.Provider{a, b}, protocol.ChatRequest{}))

	if len(events) != 1 {
		t.Fatalf("expected single terminal error, got %+v", events)
	}
	if events[0].Type != protocol.EventError {
		t.Fatalf("expected error, got %+v", events[0])
	}
	// Last pre-content error event is forwarded, wrapped in the
	// user-facing explanation.
	if !strings.Contains(events[0].Message, "b down") {
		t.Errorf("expected last error forwarded, got %q", events[0].Message)
	}
	if !strings.Contains(events[0].Message, "An error occurred") {
		t.Errorf("expected user-facing explanation, got %q", events[0].Message)
	}
}

func TestStream_TerminalErrorIsLocalized(t *testing.T) {
	c := newTestCoordinator()
	c.SetLanguage("it")
	primary := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{{
		protocol.TextEvent("partial "),
		protocol.ErrorEvent("invalid api key"),
	}}}

	var hooked string
	c.SetFinishHook(func(_ string, ev protocol.StreamEvent, _ time.Duration) {
		if ev.Type == protocol.EventError {
			hooked = ev.Message
		}
	})

	events := collect(c.Stream(context.Background(), []provider.Provider{primary}, protocol.ChatRequest{}))

	last := events[len(events)-1]
	if last.Type != protocol.EventError {
		t.Fatalf("expected terminal error, got %+v", last)
	}
	if !strings.Contains(last.Message, "Autenticazione fallita") {
		t.Errorf("expected italian explanation, got %q", last.Message)
	}
	if !strings.Contains(last.Message, "invalid api key") {
		t.Errorf("raw cause should stay in the message, got %q", last.Message)
	}
	// The usage ledger classifies the message, so the hook must see the
	// raw vendor text, not the rewritten one.
	if hooked != "invalid api key" {
		t.Errorf("finish hook must see the raw error, got %q", hooked)
	}
}

func TestStream_RateLimitedProviderSkipped(t *testing.T) {
	limits := ratelimit.NewCoordinator(map[string]int{"a": 1})
	limits.Limiter("a").RecordRequest() // window full
	c := NewCoordinator(limits, nil)

	a := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{doneScript("never")}}
	b := &scriptedProvider{name: "b", scripts: [][]protocol.StreamEvent{doneScript("ok")}}

	events := collect(c.Stream(context.Background(), []provider.Provider{a, b}, protocol.ChatRequest{}))

	if a.calls != 0 {
		t.Error("rate-limited provider must be skipped without a request")
	}
	if b.calls != 1 {
		t.Error("next candidate should serve the request")
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventDone {
		t.Fatalf("expected done from backup, got %+v", last)
	}
}

func TestStream_ExactlyOneTerminalEvent(t *testing.T) {
	c := newTestCoordinator()
	a := &scriptedProvider{name: "a", scripts: [][]protocol.StreamEvent{errScript("nope")}}
	b := &scriptedProvider{name: "b", scripts: [][]protocol.StreamEvent{doneScript("x", "y")}}

	events := collect(c.Stream(context.Background(), []provider.Provider{a, b}, protocol.ChatRequest{}))

	terminals := 0
	for i, ev := range events {
		if ev.Terminal() {
			terminals++
			if i != len(events)-1 {
				t.Error("terminal event must be last")
			}
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly 1 terminal event, got %d", terminals)
	}
}

func TestOrderByAvailability_FailuresDeprioritize(t *testing.T) {
	c := newTestCoordinator()
	a := &scriptedProvider{name: "a"}
	b := &scriptedProvider{name: "b"}

	// Two failures on a: priority 30 beats b's 0.
	c.Tracker().RecordFailure("a")
	c.Tracker().RecordFailure("a")

	ordered := c.orderByAvailability([]provider.Provider{a, b})
	if ordered[0].Name() != "b" {
		t.Errorf("failing provider should sort last, got %v first", ordered[0].Name())
	}
}

func TestOrderByAvailability_TiesKeepCallerOrder(t *testing.T) {
	c := newTestCoordinator()
	a := &scriptedProvider{name: "a"}
	b := &scriptedProvider{name: "b"}

	ordered := c.orderByAvailability([]provider.Provider{a, b})
	if ordered[0].Name() != "a" || ordered[1].Name() != "b" {
		t.Errorf("tied scores must keep caller order, got %s,%s", ordered[0].Name(), ordered[1].Name())
	}
}

func TestOrderByAvailability_RatePressure(t *testing.T) {
	limits := ratelimit.NewCoordinator(nil)
	c := NewCoordinator(limits, nil)

	// a is nearly exhausted per vendor headers, b is healthy.
	low := 3
	limits.Limiter("a").UpdateFromHeaders(&low, 0, 0)
	healthy := 90
	limits.Limiter("b").UpdateFromHeaders(&healthy, 0, 0)

	a := &scriptedProvider{name: "a"}
	b := &scriptedProvider{name: "b"}
	ordered := c.orderByAvailability([]provider.Provider{a, b})
	if ordered[0].Name() != "b" {
		t.Error("critical rate pressure should push provider down")
	}
}

func TestTracker_DecayAndPriority(t *testing.T) {
	tr := NewTracker()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	if tr.Priority("x") != 0 {
		t.Error("clean provider priority should be 0")
	}
	tr.RecordFailure("x")
	if tr.Priority("x") != 10 {
		t.Errorf("one failure = 10, got %d", tr.Priority("x"))
	}
	tr.RecordFailure("x")
	if tr.Priority("x") != 30 {
		t.Errorf("two failures = 30, got %d", tr.Priority("x"))
	}
	tr.RecordFailure("x")
	if tr.Priority("x") != 100 {
		t.Errorf("three failures = 100, got %d", tr.Priority("x"))
	}

	// Deadline is 5m base + 1m per failure; after it passes the record
	// expires lazily.
	clock = clock.Add(8*time.Minute + time.Second)
	if tr.Failures("x") != 0 {
		t.Error("failure record should decay after deadline")
	}

	tr.RecordFailure("y")
	tr.Clear("y")
	if tr.Failures("y") != 0 {
		t.Error("clear should wipe the record")
	}
}
