package domain

import (
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is an immutable snapshot of one tool advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	resolved *jsonschema.Resolved
}

// ResolveSchema parses and resolves the tool's input schema so arguments
// can be validated locally. A tool with no schema, or a schema the host
// cannot resolve, stays opaque and validates nothing.
func (t *Tool) ResolveSchema() {
	if len(t.InputSchema) == 0 {
		return
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
		return
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return
	}
	t.resolved = resolved
}

// ValidateArguments checks args against the resolved input schema.
// Unresolvable schemas pass everything through.
func (t Tool) ValidateArguments(args json.RawMessage) error {
	if t.resolved == nil {
		return nil
	}
	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return E(CodeInvalidArgument, "validate arguments", "arguments are not valid JSON", err)
		}
	} else {
		decoded = map[string]any{}
	}
	if err := t.resolved.Validate(decoded); err != nil {
		return E(CodeInvalidArgument, "validate arguments", "", err)
	}
	return nil
}

// ToolCatalog is the last-fetched tool list of one session. Replaced
// wholesale on every successful fetch, never merged.
type ToolCatalog struct {
	Tools     []Tool
	FetchedAt time.Time

	// Stale is set when the server announces a tools/list_changed after
	// the catalog was fetched. The cached tools remain valid for lookup.
	Stale bool
}

func (c ToolCatalog) Lookup(name string) (Tool, bool) {
	for _, tool := range c.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return Tool{}, false
}

func (c ToolCatalog) Names() []string {
	names := make([]string, 0, len(c.Tools))
	for _, tool := range c.Tools {
		names = append(names, tool.Name)
	}
	return names
}
