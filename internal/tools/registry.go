// Package tools provides the tool registry shared by agent sessions and
// pipeline handlers: named tool definitions, JSON-schema-lite argument
// validation, and a dispatch path that never panics.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/haasonsaas/drover/internal/llm"
)

// Definition describes a tool as exposed to the model: its name, a natural
// language description, and a JSON Schema for its parameters.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Executor runs a tool call with decoded arguments and returns the textual
// output that will be fed back to the model.
type Executor func(ctx context.Context, args map[string]any) (string, error)

// Entry pairs a registered definition with its executor.
type Entry struct {
	Definition Definition
	Execute    Executor
}

// Result is the dispatch envelope. Failures of any kind (unknown tool,
// validation, executor error, executor panic) are reported through IsError
// rather than returned as Go errors.
type Result struct {
	Output  string
	IsError bool
}

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxNameLength is the maximum length of a tool name.
	MaxNameLength = 256
)

// Registry manages available tools with thread-safe registration and lookup.
// Definitions retain insertion order so the tool list presented to providers
// is stable across requests.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
}

// NewRegistry creates a new empty tool registry ready for registration.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Register adds a tool to the registry by its definition name.
// If a tool with the same name already exists, it is replaced in place and
// keeps its original position in the definition order.
func (r *Registry) Register(def Definition, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.entries[def.Name] = Entry{Definition: def, Execute: exec}
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool entry by name and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Definitions returns the registered definitions in insertion order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].Definition)
	}
	return defs
}

// LLMTools returns the registered definitions as llm.Tool values for
// inclusion in a provider request. Executors are intentionally omitted;
// sessions dispatch through the registry instead.
func (r *Registry) LLMTools() []llm.Tool {
	defs := r.Definitions()
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// Validate checks a call against the tool's declared parameter schema.
// A nil return means the call is acceptable. Unknown tools fail; tools whose
// schema is absent or not a JSON object accept everything; otherwise each
// declared required key must be present and each present key declared under
// properties must match its declared type. Keys outside properties are
// allowed.
func (r *Registry) Validate(name string, args map[string]any) error {
	entry, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("Unknown tool: %s", name)
	}
	return validateArgs(entry.Definition.Parameters, args)
}

// Dispatch runs a tool by name and collapses every failure mode into the
// result envelope: unknown tools, validation failures, executor errors, and
// executor panics all become IsError results. Dispatch never panics.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				Output:  fmt.Sprintf("tool %s panicked: %v", name, rec),
				IsError: true,
			}
		}
	}()

	if len(name) > MaxNameLength {
		return Result{
			Output:  fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxNameLength),
			IsError: true,
		}
	}

	entry, ok := r.Get(name)
	if !ok {
		return Result{Output: "Unknown tool: " + name, IsError: true}
	}
	if err := validateArgs(entry.Definition.Parameters, args); err != nil {
		return Result{Output: err.Error(), IsError: true}
	}
	if entry.Execute == nil {
		return Result{Output: "tool has no executor: " + name, IsError: true}
	}

	output, err := entry.Execute(ctx, args)
	if err != nil {
		return Result{Output: err.Error(), IsError: true}
	}
	return Result{Output: output}
}

func validateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(schema, &parsed); err != nil {
		// Schemas that are not JSON objects are not enforced.
		return nil
	}

	if required, ok := parsed["required"].([]any); ok {
		for _, item := range required {
			key, ok := item.(string)
			if !ok {
				continue
			}
			if _, present := args[key]; !present {
				return fmt.Errorf("missing required parameter: %s", key)
			}
		}
	}

	props, ok := parsed["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for key, raw := range props {
		value, present := args[key]
		if !present {
			continue
		}
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := checkType(key, prop["type"], value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(key string, declared, value any) error {
	switch t := declared.(type) {
	case string:
		if matchesType(t, value) {
			return nil
		}
		return fmt.Errorf("parameter %s must be of type %s", key, t)
	case []any:
		// Union types: any declared member may match.
		names := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if matchesType(s, value) {
				return nil
			}
			names = append(names, s)
		}
		if len(names) == 0 {
			return nil
		}
		return fmt.Errorf("parameter %s must be one of types %v", key, names)
	default:
		return nil
	}
}

func matchesType(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "integer":
		return isInteger(value)
	case "number":
		return isNumber(value)
	case "array":
		if _, ok := value.([]any); ok {
			return true
		}
		if value == nil {
			return false
		}
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		// Unrecognized declared types are not enforced.
		return true
	}
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	default:
		return false
	}
}

// isInteger accepts integral values only. JSON numbers decode to float64, so
// a fractional value like 1.5 is rejected while 3 passes.
func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return !math.IsNaN(v) && !math.IsInf(v, 0) && v == math.Trunc(v)
	case float32:
		f := float64(v)
		return !math.IsNaN(f) && !math.IsInf(f, 0) && f == math.Trunc(f)
	case json.Number:
		_, err := v.Int64()
		return err == nil
	default:
		return false
	}
}
