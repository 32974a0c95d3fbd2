package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to handlers. Registering a name that is already
// present replaces the previous tool: the last registration wins.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	for key, p := range tool.Parameters {
		if !knownType(p.Type) {
			return fmt.Errorf("tool %q parameter %q has unsupported type %q", name, key, p.Type)
		}
	}
	tool.Name = name

	r.mu.Lock()
	r.tools[name] = cloneTool(tool)
	r.mu.Unlock()
	return nil
}

func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w %s", ErrUnknownTool, name)
	}
	return tool, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes every tool, sorted by name, with a JSON schema for its
// arguments.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t.Parameters),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Invoke resolves name, checks args against the tool's parameters and runs
// the handler. Argument violations never reach the handler.
func (r *Registry) Invoke(ctx context.Context, call *Call, name string, args map[string]any) (any, error) {
	tool, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	args = resolveAliases(tool, args)
	if err := validateArgs(tool, args); err != nil {
		return nil, err
	}
	if call == nil {
		call = &Call{}
	}
	return tool.Handler(ctx, call, args)
}

func inputSchema(params map[string]Param) map[string]any {
	required := make([]string, 0)
	properties := make(map[string]any, len(params))
	for key, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		properties[key] = prop
		for _, alias := range p.Aliases {
			properties[alias] = map[string]any{
				"type":        p.Type,
				"description": "Alias of " + key,
			}
		}
		// Either name satisfies an aliased parameter, so neither is listed.
		if p.Required && len(p.Aliases) == 0 {
			required = append(required, key)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       TypeObject,
		"properties": properties,
		"required":   required,
	}
}

// resolveAliases returns args with aliased values under their canonical
// names. The caller's map is never modified.
func resolveAliases(tool Tool, args map[string]any) map[string]any {
	var out map[string]any
	for key, p := range tool.Parameters {
		if v, ok := args[key]; ok && v != nil {
			continue
		}
		for _, alias := range p.Aliases {
			v, ok := args[alias]
			if !ok || v == nil {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(args))
				for k, v := range args {
					out[k] = v
				}
			}
			out[key] = v
			delete(out, alias)
			break
		}
	}
	if out == nil {
		return args
	}
	return out
}

func validateArgs(tool Tool, args map[string]any) error {
	keys := make([]string, 0, len(tool.Parameters))
	for key := range tool.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		p := tool.Parameters[key]
		v, ok := args[key]
		if !ok || v == nil {
			if p.Required {
				return svcerr.Validation("%s: %s is required", tool.Name, key)
			}
			continue
		}
		if !matchesType(p.Type, v) {
			return svcerr.Validation("%s: %s must be %s", tool.Name, key, article(p.Type))
		}
		if p.Type == TypeString && p.Required && strings.TrimSpace(v.(string)) == "" {
			return svcerr.Validation("%s: %s is required", tool.Name, key)
		}
		if len(p.Enum) > 0 {
			s, _ := v.(string)
			if !contains(p.Enum, s) {
				return svcerr.Validation("%s: %s must be one of %s", tool.Name, key, strings.Join(p.Enum, ", "))
			}
		}
	}
	return nil
}

func knownType(t string) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// matchesType checks a value decoded by encoding/json against a JSON type.
func matchesType(t string, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case TypeInteger:
		switch n := v.(type) {
		case float64:
			return n == math.Trunc(n)
		case int, int64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func article(t string) string {
	switch t {
	case TypeArray, TypeInteger, TypeObject:
		return "an " + t
	default:
		return "a " + t
	}
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func cloneTool(t Tool) Tool {
	out := t
	out.Parameters = make(map[string]Param, len(t.Parameters))
	for k, p := range t.Parameters {
		p.Enum = append([]string(nil), p.Enum...)
		p.Aliases = append([]string(nil), p.Aliases...)
		out.Parameters[k] = p
	}
	return out
}
