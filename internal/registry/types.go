package registry

import (
	"context"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
)

// JSON types accepted in Param.Type.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

type Param struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	// Aliases are alternative argument names. A value under an alias is
	// moved to the parameter's own name before validation.
	Aliases []string `json:"aliases,omitempty"`
}

// Call is the per-connection context handed to every handler. It is built
// once when the connection authenticates and is never mutated afterwards.
type Call struct {
	Identity     auth.Identity
	ConnectionID string
}

type Handler func(ctx context.Context, call *Call, args map[string]any) (any, error)

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]Param
	Handler     Handler
}

type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
