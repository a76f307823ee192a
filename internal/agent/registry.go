package agent

import (
	"context"
	"fmt"
	"sort"
)

// Allowed tool categories. A plan step naming any other category is
// rejected before dispatch.
const (
	CategoryFile    = "file"
	CategoryGit     = "git"
	CategoryProject = "project"
	CategorySystem  = "system"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
)

// ParamSpec declares one tool parameter.
type ParamSpec struct {
	Type     ParamType
	Required bool
}

// ToolFunc executes one tool call with validated parameters.
type ToolFunc func(ctx context.Context, params map[string]any) (string, error)

// Tool couples a handler with its parameter declarations.
type Tool struct {
	Description string
	Params      map[string]ParamSpec
	Fn          ToolFunc
}

type toolKey struct {
	category string
	method   string
}

// Registry is a static dispatch table keyed by (category, method).
// Registration happens at startup; dispatch is read-only afterwards.
type Registry struct {
	tools map[toolKey]Tool
}

var allowedCategories = map[string]bool{
	CategoryFile:    true,
	CategoryGit:     true,
	CategoryProject: true,
	CategorySystem:  true,
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[toolKey]Tool)}
}

// Register adds a tool under (category, method). Categories outside the
// allow list are rejected.
func (r *Registry) Register(category, method string, tool Tool) error {
	if !allowedCategories[category] {
		return fmt.Errorf("category %q is not allowed", category)
	}
	if method == "" {
		return fmt.Errorf("method is required")
	}
	if tool.Fn == nil {
		return fmt.Errorf("tool %s.%s has no handler", category, method)
	}
	r.tools[toolKey{category, method}] = tool
	return nil
}

// Names lists registered tools as "category.method", sorted. Used to
// build the planning prompt.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for k := range r.tools {
		out = append(out, k.category+"."+k.method)
	}
	sort.Strings(out)
	return out
}

// Describe renders a one-line summary per tool for the planning prompt.
func (r *Registry) Describe() []string {
	keys := make([]toolKey, 0, len(r.tools))
	for k := range r.tools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].method < keys[j].method
	})

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		line := k.category + "." + k.method
		if desc := r.tools[k].Description; desc != "" {
			line += ": " + desc
		}
		out = append(out, line)
	}
	return out
}

// Dispatch validates the step's parameters and runs the tool. Unknown
// categories, unknown methods, and type mismatches all surface as
// ToolExecutionError without invoking any handler.
func (r *Registry) Dispatch(ctx context.Context, step Step) (string, error) {
	if !allowedCategories[step.Category] {
		return "", &ToolExecutionError{
			Category: step.Category,
			Method:   step.Method,
			Err:      fmt.Errorf("category %q is not allowed", step.Category),
		}
	}

	tool, ok := r.tools[toolKey{step.Category, step.Method}]
	if !ok {
		return "", &ToolExecutionError{
			Category: step.Category,
			Method:   step.Method,
			Err:      fmt.Errorf("unknown tool"),
		}
	}

	if err := validateParams(tool.Params, step.Params); err != nil {
		return "", &ToolExecutionError{Category: step.Category, Method: step.Method, Err: err}
	}

	out, err := tool.Fn(ctx, step.Params)
	if err != nil {
		return "", &ToolExecutionError{Category: step.Category, Method: step.Method, Err: err}
	}
	return out, nil
}

func validateParams(spec map[string]ParamSpec, params map[string]any) error {
	for name, ps := range spec {
		v, ok := params[name]
		if !ok {
			if ps.Required {
				return fmt.Errorf("missing required parameter %q", name)
			}
			continue
		}
		if err := checkType(name, ps.Type, v); err != nil {
			return err
		}
	}
	for name := range params {
		if _, ok := spec[name]; !ok {
			return fmt.Errorf("unexpected parameter %q", name)
		}
	}
	return nil
}

func checkType(name string, want ParamType, v any) error {
	switch want {
	case ParamString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
	case ParamNumber:
		// encoding/json decodes all numbers as float64.
		switch v.(type) {
		case float64, int:
		default:
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case ParamBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", name)
		}
	}
	return nil
}

// numberParam reads a numeric parameter, tolerating both float64 from
// JSON and int from direct callers.
func numberParam(params map[string]any, name string, def int) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}
