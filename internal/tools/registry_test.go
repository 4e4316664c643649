package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool(name string) (Definition, Executor) {
	def := Definition{
		Name:        name,
		Description: "echoes its input",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"}
			},
			"required": ["text"]
		}`),
	}
	exec := func(ctx context.Context, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return text, nil
	}
	return def, exec
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	def, exec := echoTool("echo")
	r.Register(def, exec)
	r.Register(Definition{Name: "second"}, exec)

	replaced := def
	replaced.Description = "updated"
	r.Register(replaced, exec)

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	defs := r.Definitions()
	if defs[0].Name != "echo" || defs[1].Name != "second" {
		t.Errorf("definition order = [%s, %s], want [echo, second]", defs[0].Name, defs[1].Name)
	}
	if defs[0].Description != "updated" {
		t.Errorf("replacement did not take: description = %q", defs[0].Description)
	}
}

func TestDefinitionsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		r.Register(Definition{Name: n}, nil)
	}
	defs := r.Definitions()
	if len(defs) != len(names) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(names))
	}
	for i, n := range names {
		if defs[i].Name != n {
			t.Errorf("defs[%d].Name = %q, want %q", i, defs[i].Name, n)
		}
	}

	r.Unregister("alpha")
	defs = r.Definitions()
	if len(defs) != 2 || defs[0].Name != "zeta" || defs[1].Name != "mid" {
		t.Errorf("after unregister, order = %v", defs)
	}
}

func TestValidate(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{
		Name: "calc",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expr": {"type": "string"},
				"precision": {"type": "integer"},
				"scale": {"type": "number"},
				"verbose": {"type": "boolean"},
				"tags": {"type": "array"},
				"options": {"type": "object"}
			},
			"required": ["expr"]
		}`),
	}, nil)
	r.Register(Definition{Name: "freeform"}, nil)
	r.Register(Definition{Name: "badschema", Parameters: json.RawMessage(`"not an object"`)}, nil)

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr string
	}{
		{"valid minimal", "calc", map[string]any{"expr": "1+1"}, ""},
		{"unknown tool", "nope", nil, "Unknown tool: nope"},
		{"missing required", "calc", map[string]any{"precision": float64(2)}, "missing required parameter: expr"},
		{"wrong type string", "calc", map[string]any{"expr": float64(7)}, "parameter expr must be of type string"},
		{"integer accepts int", "calc", map[string]any{"expr": "x", "precision": float64(3)}, ""},
		{"integer rejects float", "calc", map[string]any{"expr": "x", "precision": float64(3.5)}, "parameter precision must be of type integer"},
		{"number accepts float", "calc", map[string]any{"expr": "x", "scale": float64(3.5)}, ""},
		{"boolean", "calc", map[string]any{"expr": "x", "verbose": true}, ""},
		{"boolean wrong", "calc", map[string]any{"expr": "x", "verbose": "yes"}, "parameter verbose must be of type boolean"},
		{"array", "calc", map[string]any{"expr": "x", "tags": []any{"a"}}, ""},
		{"object", "calc", map[string]any{"expr": "x", "options": map[string]any{}}, ""},
		{"extra properties allowed", "calc", map[string]any{"expr": "x", "unknown_extra": 1}, ""},
		{"no schema accepts anything", "freeform", map[string]any{"whatever": 1}, ""},
		{"non-object schema accepts", "badschema", map[string]any{"whatever": 1}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.tool, tc.args)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	r := NewRegistry()
	def, exec := echoTool("echo")
	r.Register(def, exec)
	r.Register(Definition{Name: "fail"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("executor blew up")
	})
	r.Register(Definition{Name: "panics"}, func(ctx context.Context, args map[string]any) (string, error) {
		panic("not an error value")
	})

	ctx := context.Background()

	res := r.Dispatch(ctx, "echo", map[string]any{"text": "hello"})
	if res.IsError || res.Output != "hello" {
		t.Errorf("echo dispatch = %+v", res)
	}

	res = r.Dispatch(ctx, "missing", nil)
	if !res.IsError || res.Output != "Unknown tool: missing" {
		t.Errorf("unknown dispatch = %+v", res)
	}

	res = r.Dispatch(ctx, "echo", map[string]any{})
	if !res.IsError || !strings.Contains(res.Output, "missing required parameter") {
		t.Errorf("validation dispatch = %+v", res)
	}

	res = r.Dispatch(ctx, "fail", nil)
	if !res.IsError || res.Output != "executor blew up" {
		t.Errorf("failing dispatch = %+v", res)
	}

	res = r.Dispatch(ctx, "panics", nil)
	if !res.IsError || !strings.Contains(res.Output, "not an error value") {
		t.Errorf("panic dispatch = %+v", res)
	}
}

func TestLLMTools(t *testing.T) {
	r := NewRegistry()
	def, exec := echoTool("echo")
	r.Register(def, exec)

	tools := r.LLMTools()
	if len(tools) != 1 {
		t.Fatalf("got %d llm tools, want 1", len(tools))
	}
	if tools[0].Name != "echo" || tools[0].Description != "echoes its input" {
		t.Errorf("llm tool = %+v", tools[0])
	}
	if tools[0].Execute != nil {
		t.Errorf("llm tool should not carry an executor")
	}
	if len(tools[0].Parameters) == 0 {
		t.Errorf("llm tool lost its parameter schema")
	}
}
