package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaCapable is an optional provider capability. Adapters that cannot
// honour a json_schema response format implement it and return false;
// GenerateObject then falls back to tool-based extraction. Providers that do
// not implement it are assumed to support schemas natively.
type SchemaCapable interface {
	SupportsJSONSchema() bool
}

// ObjectRequest asks for a single JSON value conforming to Schema.
type ObjectRequest struct {
	Provider string
	Model    string
	System   string
	Prompt   string
	Messages []Message

	// Schema is a JSON schema document the output must satisfy.
	Schema json.RawMessage

	// SchemaName and SchemaDescription label the schema for the provider.
	// Name defaults to "result".
	SchemaName        string
	SchemaDescription string

	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Timeout     time.Duration
	Retry       *RetryPolicy
}

// ObjectResult holds the validated object plus the raw JSON it was decoded
// from.
type ObjectResult struct {
	Object   any             `json:"object"`
	Raw      json.RawMessage `json:"raw"`
	Usage    Usage           `json:"usage"`
	Response *Response       `json:"-"`
}

// GenerateObject produces a schema-conforming JSON value in a single model
// round. Providers with native json_schema support receive the schema as a
// response format; others get a forced tool call whose arguments carry the
// object. The decoded value is validated against the schema before return.
func (c *Client) GenerateObject(ctx context.Context, req ObjectRequest) (*ObjectResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if len(req.Schema) == 0 {
		return nil, ConfigurationError("generate object requires a schema")
	}

	compiled, err := compileSchema(req.Schema)
	if err != nil {
		return nil, ConfigurationError("invalid object schema: %v", err)
	}

	policy := DefaultRetryPolicy()
	if req.Retry != nil {
		policy = *req.Retry
	}

	msgs := make([]Message, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, SystemMessage(req.System))
	}
	if len(req.Messages) > 0 {
		msgs = append(msgs, req.Messages...)
	} else if req.Prompt != "" {
		msgs = append(msgs, UserMessage(req.Prompt))
	}
	if len(msgs) == 0 {
		return nil, ConfigurationError("generate object requires a prompt or messages")
	}

	base := &Request{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}

	provider, err := c.resolve(base)
	if err != nil {
		return nil, err
	}
	native := true
	if sc, ok := provider.(SchemaCapable); ok {
		native = sc.SupportsJSONSchema()
	}

	name := req.SchemaName
	if name == "" {
		name = "result"
	}

	var raw json.RawMessage
	var resp *Response
	if native {
		r := base.Clone()
		r.ResponseFormat = &ResponseFormat{Type: FormatJSONSchema, JSONSchema: req.Schema, Strict: true}
		resp, err = c.CompleteWithRetry(ctx, r, policy)
		if err != nil {
			return nil, err
		}
		raw, err = extractJSON(resp.Text())
		if err != nil {
			return nil, NewError(ErrKindNoObjectGenerated, "model output is not valid JSON").
				WithProvider(resp.Provider).WithRaw(resp.Text()).WithCause(err)
		}
	} else {
		r := base.Clone()
		r.Tools = []Tool{{
			Name:        name,
			Description: objectToolDescription(req.SchemaDescription),
			Parameters:  req.Schema,
		}}
		r.ToolChoice = ToolChoiceFunc(name)
		resp, err = c.CompleteWithRetry(ctx, r, policy)
		if err != nil {
			return nil, err
		}
		call, ok := firstCallNamed(resp.ToolCalls(), name)
		if !ok {
			return nil, NewError(ErrKindNoObjectGenerated, "model did not call the extraction tool").
				WithProvider(resp.Provider).WithRaw(resp.Text())
		}
		raw = call.Arguments
		if len(raw) == 0 && call.Raw != "" {
			raw = json.RawMessage(call.Raw)
		}
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, NewError(ErrKindNoObjectGenerated, "model output is not valid JSON").
			WithProvider(resp.Provider).WithRaw(string(raw)).WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return nil, NewError(ErrKindNoObjectGenerated, "model output does not match the schema").
			WithProvider(resp.Provider).WithRaw(string(raw)).WithCause(err)
	}

	return &ObjectResult{Object: value, Raw: raw, Usage: resp.Usage, Response: resp}, nil
}

// GenerateObjectAs derives a schema from T, generates, and unmarshals the
// validated JSON into a T.
func GenerateObjectAs[T any](ctx context.Context, c *Client, req ObjectRequest) (T, *ObjectResult, error) {
	var out T
	if len(req.Schema) == 0 {
		schema, err := SchemaFor[T]()
		if err != nil {
			return out, nil, err
		}
		req.Schema = schema
	}
	result, err := c.GenerateObject(ctx, req)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal(result.Raw, &out); err != nil {
		return out, nil, NewError(ErrKindNoObjectGenerated, "object does not fit the target type").
			WithRaw(string(result.Raw)).WithCause(err)
	}
	return out, result, nil
}

// SchemaFor reflects a JSON schema for T, inlined with no $ref indirection.
func SchemaFor[T any]() (json.RawMessage, error) {
	reflector := schemagen.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, ConfigurationError("cannot reflect schema: %v", err)
	}
	return raw, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("object.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("object.json")
}

func objectToolDescription(desc string) string {
	if desc != "" {
		return desc
	}
	return "Record the final structured result."
}

func firstCallNamed(calls []ToolCall, name string) (ToolCall, bool) {
	for _, call := range calls {
		if call.Name == name {
			return call, true
		}
	}
	return ToolCall{}, false
}

// extractJSON pulls a JSON value out of model text, tolerating surrounding
// prose and markdown fences.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}

	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(trimmed, pair[0])
		end := strings.LastIndexByte(trimmed, pair[1])
		if start >= 0 && end > start {
			candidate := trimmed[start : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}

	var probe any
	err := json.Unmarshal([]byte(trimmed), &probe)
	return nil, err
}
