// Package tools implements the executable tool surface: a registry of
// named tools, each carrying a risk tier and a JSON Schema its input is
// validated against before it runs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Risk is a tool's blast-radius tier. It drives the confirmation
// requirements enforced at execution time.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// ErrUnknownTool is returned by Registry.Get for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one executable capability.
type Tool interface {
	Name() string
	Risk() Risk
	// Schema returns the JSON Schema the tool's input must satisfy.
	Schema() string
	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// InvalidInputError reports schema violations in tool input.
type InvalidInputError struct {
	Tool   string
	Errors []string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, strings.Join(e.Errors, "; "))
}

// Registry holds the registered tools with their compiled schemas.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema. Compilation failures are a
// programming error in the tool definition.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(t.Schema())); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// MustRegister registers or panics. Used at startup wiring.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Validate checks input against the tool's schema and returns an
// InvalidInputError listing every violation.
func (r *Registry) Validate(name string, input map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	// The validator needs plain decoded JSON values.
	if input == nil {
		input = map[string]any{}
	}
	err := schema.Validate(normalizeForSchema(input))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return &InvalidInputError{Tool: name, Errors: flattenCauses(ve)}
	}
	return &InvalidInputError{Tool: name, Errors: []string{err.Error()}}
}

func flattenCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenCauses(cause)...)
	}
	return out
}

// decodeInput maps validated input onto a typed parameter struct.
func decodeInput(input map[string]any, dst any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// normalizeForSchema coerces Go values that appear in decoded tool input
// (e.g. ints placed programmatically) into the shapes the validator
// expects from encoding/json.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
