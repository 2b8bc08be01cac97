// Package mcp connects the gateway to external tool servers speaking
// JSON-RPC 2.0, over a spawned child process (stdio) or plain HTTP.
// Discovered tools are exposed under prefixed names so several servers
// can declare a tool with the same bare name.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultReadTimeout = 5 * time.Second
	terminateGrace     = 2 * time.Second

	httpCallTimeout = 60 * time.Second
)

// Transport carries one JSON-RPC message to a tool server and returns the
// reply. Notify sends a message for which no reply will ever arrive.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, msg json.RawMessage) error
	Close() error
}

type readResult struct {
	line []byte
	err  error
}

// StdioTransport talks to a spawned child process, one JSON object per
// line on stdin/stdout. The child has no request multiplexing, so the
// mutex is held across the full write+read round trip: releasing it
// after the write would let a second caller's request interleave with
// the first caller's pending reply.
type StdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan readResult

	mu sync.Mutex

	readTimeout time.Duration
}

// NewStdioTransport spawns the server process and starts reading its
// stdout. env entries are appended to the current environment.
func NewStdioTransport(command string, args, env []string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("mcp stdio: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("mcp stdio: start %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:         cmd,
		stdin:       stdin,
		lines:       make(chan readResult, 4),
		readTimeout: defaultReadTimeout,
	}
	go t.readLoop(stdout)
	return t, nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			t.lines <- readResult{line: trimmed}
		}
		if err != nil {
			t.lines <- readResult{err: err}
			return
		}
	}
}

// Send writes one request line and waits for the matching reply line.
// A read timeout is a failed call, not a disconnect: the process stays
// up and later calls may still succeed. The late reply of a timed-out
// call eventually lands in t.lines, so replies are matched by request
// id and stale lines are discarded instead of being handed to the next
// caller.
func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var req struct {
		ID string `json:"id"`
	}
	json.Unmarshal(msg, &req)

	if err := t.write(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.readTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-t.lines:
			if r.err != nil {
				return nil, fmt.Errorf("mcp stdio: read: %w", r.err)
			}
			if req.ID != "" && !replyHasID(r.line, req.ID) {
				continue
			}
			return json.RawMessage(r.line), nil
		case <-timer.C:
			return nil, fmt.Errorf("mcp stdio: no reply within %s", t.readTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// replyHasID reports whether line is a JSON-RPC reply to the request
// with the given id. Server notifications carry no id and stale replies
// carry an old one; both fail the match.
func replyHasID(line []byte, id string) bool {
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return false
	}
	return resp.ID == id
}

// Notify writes one request line without waiting for a reply.
func (t *StdioTransport) Notify(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(msg)
}

func (t *StdioTransport) write(msg json.RawMessage) error {
	data := make([]byte, 0, len(msg)+1)
	data = append(data, msg...)
	data = append(data, '\n')
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp stdio: write: %w", err)
	}
	return nil
}

// Close asks the child to exit (stdin EOF + SIGTERM), waits the grace
// period, then kills it. Exit status is not an error: servers killed by
// a signal are a normal shutdown.
func (t *StdioTransport) Close() error {
	t.stdin.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(terminateGrace):
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	<-done
	return nil
}

// HTTPTransport POSTs one JSON-RPC message per request. It holds no
// per-call state and is safe for concurrent use.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPTransport creates a transport posting to the given URL with
// optional extra headers on every request.
func NewHTTPTransport(url string, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: httpCallTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	body, err := t.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Notify posts the message and discards the response body.
func (t *HTTPTransport) Notify(ctx context.Context, msg json.RawMessage) error {
	_, err := t.post(ctx, msg)
	return err
}

func (t *HTTPTransport) post(ctx context.Context, msg json.RawMessage) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("mcp http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp http: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcp http: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp http: status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (t *HTTPTransport) Close() error { return nil }
