// Package validation checks task input against a worker's JSON schema.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "input.json"

// ErrInvalidInput is returned when task input does not satisfy the schema.
var ErrInvalidInput = errors.New("task input failed schema validation")

// Schema is a compiled input schema. A nil *Schema accepts everything.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

// Compile parses and compiles schemaJSON. An empty string yields a nil
// schema and no error.
func Compile(schemaJSON string) (*Schema, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile JSON schema: %w", err)
	}
	return &Schema{source: schemaJSON, compiled: sch}, nil
}

// Source returns the schema text the Schema was compiled from.
func (s *Schema) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Validate checks input. The input is round-tripped through JSON first so
// that values built in Go (ints, structs) are seen as the queue would send
// them.
func (s *Schema) Validate(input map[string]any) error {
	if s == nil {
		return nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: encode input: %v", ErrInvalidInput, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: decode input: %v", ErrInvalidInput, err)
	}
	// A nil map encodes as null; treat it as an empty object.
	if doc == nil {
		doc = map[string]any{}
	}

	if err := s.compiled.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, verr)
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateJSON validates a JSON document string against a schema string.
func ValidateJSON(schemaJSON, dataJSON string) error {
	sch, err := Compile(schemaJSON)
	if err != nil || sch == nil {
		return err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return fmt.Errorf("unmarshal JSON data: %w", err)
	}
	return sch.Validate(data)
}
