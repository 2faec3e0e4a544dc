package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// Parameter types understood by every provider adapter.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// orderKey preserves parameter order, which JSON objects do not.
const orderKey = "x-order"

// Parameter defines a tool parameter. Default holds a JSON value: schemas
// built by NewSchema or decoded from JSON store integer defaults as int64,
// other numbers as float64, and objects and arrays as map[string]any and
// []any.
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number, integer, boolean, object, array
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Schema describes a tool to the model.
type Schema struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// NewSchema builds a validated schema with defaults in their JSON form.
func NewSchema(name, description string, params ...Parameter) (Schema, error) {
	s := Schema{Name: name, Description: description, Parameters: append([]Parameter(nil), params...)}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	if err := s.normalizeDefaults(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on invalid input. Intended for
// package-level tool declarations.
func MustSchema(name, description string, params ...Parameter) Schema {
	s, err := NewSchema(name, description, params...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports ErrInvalidSchema for empty names, duplicate parameter names
// and unrecognized parameter types.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("tool name cannot be empty: %w", errorskg.ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Parameters))
	for _, p := range s.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("tool %s: parameter name cannot be empty: %w", s.Name, errorskg.ErrInvalidSchema)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("tool %s: duplicate parameter %q: %w", s.Name, p.Name, errorskg.ErrInvalidSchema)
		}
		seen[p.Name] = struct{}{}
		if !validType(p.Type) {
			return fmt.Errorf("tool %s: parameter %q has unknown type %q: %w", s.Name, p.Name, p.Type, errorskg.ErrInvalidSchema)
		}
	}
	return nil
}

func validType(t string) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Required lists the names of required parameters in declaration order.
func (s Schema) Required() []string {
	required := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return required
}

// JSONSchema returns the parameters as a JSON-schema object.
func (s Schema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	order := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		order = append(order, p.Name)
	}

	return map[string]any{
		"type":       TypeObject,
		"properties": properties,
		"required":   s.Required(),
		orderKey:     order,
	}
}

// InputSchema returns the JSON-schema object sent to providers. It omits the
// order hint and gives array parameters a string item type, since several
// providers reject arrays without one.
func (s Schema) InputSchema() map[string]any {
	schema := s.JSONSchema()
	delete(schema, orderKey)
	for _, p := range s.Parameters {
		if p.Type != TypeArray {
			continue
		}
		prop := schema["properties"].(map[string]any)[p.Name].(map[string]any)
		prop["items"] = map[string]any{"type": TypeString}
	}
	return schema
}

// SchemaFromJSONSchema rebuilds a Schema from a JSON-schema object. It accepts
// both the output of JSONSchema and the same value after a JSON round trip.
// Without an order hint, parameters are sorted by name.
func SchemaFromJSONSchema(name, description string, schema map[string]any) (Schema, error) {
	s := Schema{Name: name, Description: description}
	if schema == nil {
		return s, s.Validate()
	}
	if t, ok := schema["type"].(string); ok && t != TypeObject {
		return Schema{}, fmt.Errorf("tool %s: input schema type %q is not an object: %w", name, t, errorskg.ErrInvalidSchema)
	}

	props, _ := schema["properties"].(map[string]any)
	required := make(map[string]bool)
	for _, r := range stringList(schema["required"]) {
		required[r] = true
	}

	names := stringList(schema[orderKey])
	if len(names) != len(props) {
		names = make([]string, 0, len(props))
		for n := range props {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	for _, n := range names {
		raw, ok := props[n].(map[string]any)
		if !ok {
			return Schema{}, fmt.Errorf("tool %s: property %q is not an object: %w", name, n, errorskg.ErrInvalidSchema)
		}
		p := Parameter{
			Name:        n,
			Type:        stringValue(raw["type"]),
			Description: stringValue(raw["description"]),
			Required:    required[n],
			Default:     raw["default"],
		}
		if p.Type == "" {
			p.Type = inferType(raw)
		}
		if enum := stringList(raw["enum"]); len(enum) > 0 {
			p.Enum = enum
		}
		s.Parameters = append(s.Parameters, p)
	}

	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	if err := s.normalizeDefaults(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func (s *Schema) normalizeDefaults() error {
	for i := range s.Parameters {
		p := &s.Parameters[i]
		def, err := jsonDefault(p.Type, p.Default)
		if err != nil {
			return fmt.Errorf("tool %s: parameter %q default: %v: %w", s.Name, p.Name, err, errorskg.ErrInvalidSchema)
		}
		p.Default = def
	}
	return nil
}

// jsonDefault converts v to the value a JSON round trip yields for a
// parameter of type typ.
func jsonDefault(typ string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}

	if n, ok := out.(json.Number); ok && typ == TypeInteger {
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s is not an integer", n)
		}
		return i, nil
	}
	return floatNumbers(out), nil
}

func floatNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, item := range v {
			v[k] = floatNumbers(item)
		}
	case []any:
		for i, item := range v {
			v[i] = floatNumbers(item)
		}
	}
	return v
}

type wireSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// MarshalJSON encodes the schema in its wire form.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSchema{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: s.JSONSchema(),
	})
}

// UnmarshalJSON decodes and validates the wire form.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var w wireSchema
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode tool schema: %w", errorskg.ErrMalformedPayload)
	}
	parsed, err := SchemaFromJSONSchema(w.Name, w.Description, w.InputSchema)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func inferType(prop map[string]any) string {
	if _, ok := prop["items"]; ok {
		return TypeArray
	}
	if _, ok := prop["properties"]; ok {
		return TypeObject
	}
	return TypeString
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
