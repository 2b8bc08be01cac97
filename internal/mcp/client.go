package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relay-gw/relay/pkg/protocol"
)

const (
	protocolVersion  = "2024-11-05"
	handshakeTimeout = 5 * time.Second
)

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDef `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type callToolResult struct {
	Content []contentItem   `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Err     json.RawMessage `json:"error,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Client is one connected tool server: handshake done, tool catalog
// discovered, ready for tools/call.
type Client struct {
	name      string
	transport Transport
	tools     []protocol.ToolSchema
	schemas   map[string]map[string]any
}

// Connect performs the initialize handshake and tool discovery over an
// already-open transport. Both steps share one bounded deadline so a
// wedged server fails fast instead of stalling startup.
func Connect(ctx context.Context, name string, transport Transport) (*Client, error) {
	c := &Client{
		name:      name,
		transport: transport,
		schemas:   make(map[string]map[string]any),
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := c.initialize(hctx); err != nil {
		return nil, err
	}
	if err := c.discover(hctx); err != nil {
		return nil, err
	}
	return c, nil
}

// call sends one request and matches the reply by id. The uuid id makes
// a stale line left over from an earlier timed-out call detectable
// instead of silently misattributed.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: marshal %s: %w", c.name, method, err)
	}

	raw, err := c.transport.Send(ctx, data)
	if err != nil {
		return nil, err
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mcp %s: unmarshal %s response: %w", c.name, method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp %s: rpc error %d: %s", c.name, resp.Error.Code, resp.Error.Message)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, fmt.Errorf("mcp %s: response id mismatch for %s", c.name, method)
	}
	return resp.Result, nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "relay",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("mcp %s: initialize: %w", c.name, err)
	}

	// Best effort: some servers require the initialized notification,
	// others ignore it.
	notif, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	c.transport.Notify(ctx, notif)
	return nil
}

func (c *Client) discover(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp %s: tools/list: %w", c.name, err)
	}

	var list toolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("mcp %s: parse tools list: %w", c.name, err)
	}

	for _, td := range list.Tools {
		c.tools = append(c.tools, protocol.ToolSchema{
			Name:        PrefixedName(c.name, td.Name),
			Description: td.Description,
			InputSchema: td.InputSchema,
		})
		c.schemas[td.Name] = td.InputSchema
	}
	return nil
}

// Name returns the server name this client was registered under.
func (c *Client) Name() string { return c.name }

// Schemas returns the discovered tool catalog with prefixed names.
func (c *Client) Schemas() []protocol.ToolSchema { return c.tools }

// Schema looks up a tool's input schema by its bare (unprefixed) name.
func (c *Client) Schema(tool string) (map[string]any, bool) {
	s, ok := c.schemas[tool]
	return s, ok
}

// CallTool runs one tools/call attempt. A result flagged isError (or
// carrying a top-level error field) is returned as an error: transient
// tool failures look identical to transport failures to the caller, so
// the manager's retry loop covers both.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", callToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}

	var res callToolResult
	if err := json.Unmarshal(result, &res); err != nil {
		return "", fmt.Errorf("mcp %s: parse %s result: %w", c.name, tool, err)
	}

	var parts []string
	for _, item := range res.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	out := strings.Join(parts, "\n")

	if res.IsError || len(res.Err) > 0 {
		if out == "" {
			out = string(res.Err)
		}
		return "", fmt.Errorf("mcp %s: tool %s failed: %s", c.name, tool, out)
	}
	return out, nil
}

// Close shuts the transport down.
func (c *Client) Close() error { return c.transport.Close() }

// PrefixedName builds the collision-safe exposed tool name.
func PrefixedName(server, tool string) string {
	return "mcp_" + server + "_" + tool
}
