package protocol

// ToolSchema describes a tool available to the LLM in the neutral format.
// Providers translate it into their own wire shape at request-build time.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// NewToolSchema creates a ToolSchema with a defaulted object schema.
func NewToolSchema(name, description string, inputSchema map[string]any) ToolSchema {
	if inputSchema == nil {
		inputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolSchema{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
	}
}
