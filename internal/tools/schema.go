package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// InputSchema describes a tool's argument shape. Two variants exist: a full
// JSON Schema document with parse capability, and a bare field-record that
// is wrapped into an object schema.
type InputSchema interface {
	// Document returns the JSON Schema document sent to the provider.
	Document() (json.RawMessage, error)

	// Parse validates raw arguments and returns them decoded.
	Parse(args json.RawMessage) (map[string]any, error)
}

// SchemaDocument is the structured variant: a complete JSON Schema compiled
// with draft 2020-12 semantics.
type SchemaDocument struct {
	Raw json.RawMessage

	compiled *jsonschema.Schema
}

// NewSchemaDocument compiles raw into a SchemaDocument. Compilation errors
// surface immediately rather than at first tool call.
func NewSchemaDocument(raw json.RawMessage) (*SchemaDocument, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unmarshal tool schema: %s", err.Error()).WithCause(err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "add tool schema resource: %s", err.Error()).WithCause(err)
	}
	compiled, err := c.Compile("tool.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile tool schema: %s", err.Error()).WithCause(err)
	}
	return &SchemaDocument{Raw: raw, compiled: compiled}, nil
}

func (s *SchemaDocument) Document() (json.RawMessage, error) {
	return s.Raw, nil
}

func (s *SchemaDocument) Parse(args json.RawMessage) (map[string]any, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unmarshal tool args: %s", err.Error()).WithCause(err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool args failed schema validation: %s", err.Error()).WithCause(err)
	}
	var out map[string]any
	if err := json.Unmarshal(args, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode tool args: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// FieldRecord is the bare variant: property name to description/type, wrapped
// into an object schema before it reaches the provider. No validation beyond
// JSON well-formedness is applied to arguments.
type FieldRecord map[string]Field

// Field describes one property of a FieldRecord.
type Field struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
}

func (r FieldRecord) Document() (json.RawMessage, error) {
	properties := make(map[string]any, len(r))
	for name, f := range r {
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[name] = prop
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal field record schema: %w", err)
	}
	return b, nil
}

func (r FieldRecord) Parse(args json.RawMessage) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(args, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode tool args: %s", err.Error()).WithCause(err)
	}
	return out, nil
}
