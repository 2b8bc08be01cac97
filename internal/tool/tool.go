// Package tool holds the gateway's built-in tools and the registry that
// exposes them to providers alongside MCP-discovered tools.
package tool

import "context"

// Tool is the interface every built-in tool must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, params map[string]any) (string, error)
}
