package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	tr, err := NewStdioTransport("cat", nil, nil)
	if err != nil {
		t.Fatalf("spawn cat: %v", err)
	}
	defer tr.Close()

	msg := json.RawMessage(`{"jsonrpc":"2.0","id":"r1","method":"ping"}`)
	reply, err := tr.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(reply) != string(msg) {
		t.Errorf("expected echo, got %s", reply)
	}
}

func TestStdioTransport_SerializedCalls(t *testing.T) {
	tr, err := NewStdioTransport("cat", nil, nil)
	if err != nil {
		t.Fatalf("spawn cat: %v", err)
	}
	defer tr.Close()

	// Sequential round trips through the same child must each get their
	// own line back.
	for _, id := range []string{"a", "b", "c"} {
		msg := json.RawMessage(`{"id":"` + id + `"}`)
		reply, err := tr.Send(context.Background(), msg)
		if err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
		if !strings.Contains(string(reply), id) {
			t.Errorf("reply misattributed: sent %s, got %s", id, reply)
		}
	}
}

func TestStdioTransport_ReadTimeoutIsNotFatal(t *testing.T) {
	tr, err := NewStdioTransport("sleep", []string{"30"}, nil)
	if err != nil {
		t.Fatalf("spawn sleep: %v", err)
	}
	defer tr.Close()
	tr.readTimeout = 50 * time.Millisecond

	if _, err := tr.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected timeout error")
	}
	// The child is still running: a second call fails the same way
	// instead of hitting a closed pipe.
	_, err = tr.Send(context.Background(), json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "no reply") {
		t.Errorf("expected another read timeout, got %v", err)
	}
}

func TestStdioTransport_DiscardsMismatchedReplies(t *testing.T) {
	// The child prefixes every echo with a reply that belongs to nobody.
	script := `while read l; do echo '{"jsonrpc":"2.0","id":"old"}'; echo "$l"; done`
	tr, err := NewStdioTransport("sh", []string{"-c", script}, nil)
	if err != nil {
		t.Fatalf("spawn sh: %v", err)
	}
	defer tr.Close()

	reply, err := tr.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"r1","method":"ping"}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(string(reply), `"r1"`) {
		t.Errorf("stale line handed to caller: %s", reply)
	}
}

func TestStdioTransport_RecoversAfterTimeout(t *testing.T) {
	// First reply is delayed past the read deadline; later ones are
	// immediate. The late reply must not be misattributed to the next
	// call.
	script := `read l; sleep 1; echo "$l"; while read l; do echo "$l"; done`
	tr, err := NewStdioTransport("sh", []string{"-c", script}, nil)
	if err != nil {
		t.Fatalf("spawn sh: %v", err)
	}
	defer tr.Close()
	tr.readTimeout = 200 * time.Millisecond

	_, err = tr.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"slow","method":"ping"}`))
	if err == nil || !strings.Contains(err.Error(), "no reply") {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Let the stale reply land in the line buffer before the next call.
	time.Sleep(1200 * time.Millisecond)

	reply, err := tr.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"fast","method":"ping"}`))
	if err != nil {
		t.Fatalf("send after timeout: %v", err)
	}
	if !strings.Contains(string(reply), `"fast"`) {
		t.Errorf("got the timed-out call's reply instead of our own: %s", reply)
	}
}

func TestStdioTransport_CloseKillsWithinGrace(t *testing.T) {
	tr, err := NewStdioTransport("sleep", []string{"300"}, nil)
	if err != nil {
		t.Fatalf("spawn sleep: %v", err)
	}

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > terminateGrace+time.Second {
		t.Errorf("close took %s, expected termination within grace", elapsed)
	}
}

func TestHTTPTransport_SendAndNotify(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("content type not set")
		}
		if r.Header.Get("X-Auth") != "secret" {
			t.Error("extra header not forwarded")
		}
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, map[string]string{"X-Auth": "secret"})
	defer tr.Close()

	reply, err := tr.Send(context.Background(), json.RawMessage(`{"id":"1"}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(string(reply), "result") {
		t.Errorf("unexpected reply %s", reply)
	}
	if err := tr.Notify(context.Background(), json.RawMessage(`{"method":"n"}`)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(bodies) != 2 {
		t.Errorf("expected 2 posts, got %d", len(bodies))
	}
}

func TestHTTPTransport_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil)
	_, err := tr.Send(context.Background(), json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status error, got %v", err)
	}
}
