package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relay-gw/relay/internal/gateway"
	"github.com/relay-gw/relay/internal/logbuf"
	"github.com/relay-gw/relay/internal/usage"
	"github.com/relay-gw/relay/pkg/protocol"
)

// mockGateway implements GatewayService for testing.
type mockGateway struct {
	events    []protocol.StreamEvent
	lastReq   protocol.ChatRequest
	lastPrime string
	status    gateway.Status
	models    map[string][]string
	tools     []protocol.ToolSchema
	recent    []usage.Record
	lastLimit int
}

func (m *mockGateway) Stream(_ context.Context, primary string, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	m.lastPrime = primary
	m.lastReq = req
	ch := make(chan protocol.StreamEvent, len(m.events)+1)
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (m *mockGateway) Status() gateway.Status                                  { return m.status }
func (m *mockGateway) Models(context.Context) map[string][]string              { return m.models }
func (m *mockGateway) MergedTools([]protocol.ToolSchema) []protocol.ToolSchema { return m.tools }
func (m *mockGateway) Providers() []string                                     { return []string{"openai"} }

func (m *mockGateway) RecentUsage(limit int) ([]usage.Record, error) {
	m.lastLimit = limit
	return m.recent, nil
}

func newTestServer(svc GatewayService, key string, logs LogQuerier) *Server {
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, logs)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "", nil)
	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "secret", nil)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}

	// Health stays open.
	req = httptest.NewRequest("GET", "/api/health", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", w.Code)
	}
}

func TestAuthDisabledWhenKeyEmpty(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "", nil)
	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected open access with no key, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "secret", nil)
	req := httptest.NewRequest("OPTIONS", "/api/chat/stream", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestChatStream_SSE(t *testing.T) {
	svc := &mockGateway{events: []protocol.StreamEvent{
		protocol.TextEvent("Hel"),
		protocol.TextEvent("lo"),
		protocol.DoneEvent(protocol.FinishStop, &protocol.Usage{PromptTokens: 3, CompletionTokens: 2}, nil),
	}}
	srv := newTestServer(svc, "", nil)

	body := `{"provider":"openai","messages":[{"role":"user","content":"hi"}],"extended":true}`
	req := httptest.NewRequest("POST", "/api/chat/stream", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream, got %q", ct)
	}
	if svc.lastPrime != "openai" {
		t.Errorf("primary not forwarded: %q", svc.lastPrime)
	}
	if !svc.lastReq.Extended {
		t.Error("extended flag lost")
	}

	var events []protocol.StreamEvent
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("frame not valid JSON: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 SSE frames, got %d", len(events))
	}
	if events[0].Delta != "Hel" || events[1].Delta != "lo" {
		t.Errorf("text deltas reordered: %+v", events)
	}
	last := events[2]
	if last.Type != protocol.EventDone || last.Usage == nil || last.Usage.PromptTokens != 3 {
		t.Errorf("terminal frame wrong: %+v", last)
	}
}

func TestChatStream_BadRequests(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "", nil)

	req := httptest.NewRequest("POST", "/api/chat/stream", strings.NewReader("{"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/chat/stream", strings.NewReader(`{"provider":"openai"}`))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", w.Code)
	}
}

func TestStatusAndModels(t *testing.T) {
	svc := &mockGateway{
		status: gateway.Status{Fallback: []string{"openai", "anthropic"}},
		models: map[string][]string{"openai": {"gpt-4o"}},
	}
	srv := newTestServer(svc, "", nil)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	var st gateway.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("status not JSON: %v", err)
	}
	if len(st.Fallback) != 2 {
		t.Errorf("status lost fallback chain: %+v", st)
	}

	req = httptest.NewRequest("GET", "/api/models", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	var models map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &models); err != nil {
		t.Fatalf("models not JSON: %v", err)
	}
	if len(models["openai"]) != 1 {
		t.Errorf("models lost: %+v", models)
	}
}

func TestTools(t *testing.T) {
	svc := &mockGateway{tools: []protocol.ToolSchema{
		protocol.NewToolSchema("web_search", "Search the web", nil),
		protocol.NewToolSchema("mcp_srv1_search", "Remote search", nil),
	}}
	srv := newTestServer(svc, "", nil)

	req := httptest.NewRequest("GET", "/api/tools", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var tools []protocol.ToolSchema
	if err := json.Unmarshal(w.Body.Bytes(), &tools); err != nil {
		t.Fatalf("tools not JSON: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("expected merged catalog, got %+v", tools)
	}
}

func TestGetLogs(t *testing.T) {
	buf := logbuf.New(10)
	now := time.Now()
	buf.Write(logbuf.Entry{Time: now, Level: "INFO", Message: "a", Provider: "openai"})
	buf.Write(logbuf.Entry{Time: now, Level: "ERROR", Message: "b"})

	srv := newTestServer(&mockGateway{}, "", buf)

	req := httptest.NewRequest("GET", "/api/logs?level=error", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var entries []logbuf.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("logs not JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "b" {
		t.Errorf("level filter broken: %+v", entries)
	}

	req = httptest.NewRequest("GET", "/api/logs?provider=openai", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	entries = nil
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("logs not JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "a" {
		t.Errorf("provider filter broken: %+v", entries)
	}
}

func TestUsage(t *testing.T) {
	svc := &mockGateway{recent: []usage.Record{
		{Provider: "openai", Model: "gpt-4o", PromptTokens: 3, CompletionTokens: 5},
	}}
	srv := newTestServer(svc, "", nil)

	req := httptest.NewRequest("GET", "/api/usage?limit=5", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var records []usage.Record
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("usage not JSON: %v", err)
	}
	if len(records) != 1 || records[0].Provider != "openai" {
		t.Errorf("records lost: %+v", records)
	}
	if svc.lastLimit != 5 {
		t.Errorf("limit not forwarded, got %d", svc.lastLimit)
	}
}

func TestUsage_NoLedger(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "", nil)
	req := httptest.NewRequest("GET", "/api/usage", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", w.Code, w.Body.String())
	}
}

func TestGetLogs_NilQuerier(t *testing.T) {
	srv := newTestServer(&mockGateway{}, "", nil)
	req := httptest.NewRequest("GET", "/api/logs", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", w.Code, w.Body.String())
	}
}
