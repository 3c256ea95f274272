package phase

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ResultValidator checks phase results against a JSON Schema. Invalid
// results surface as phase errors and follow the per-task error path.
type ResultValidator struct {
	schema *jsonschema.Schema
	strict bool
}

// NewResultValidator compiles a JSON Schema for result validation.
func NewResultValidator(schemaJSON json.RawMessage, strict bool) (*ResultValidator, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("result_schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("result_schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ResultValidator{schema: schema, strict: strict}, nil
}

// LoadResultValidator reads and compiles the schema at path.
func LoadResultValidator(path string, strict bool) (*ResultValidator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result schema: %w", err)
	}
	return NewResultValidator(raw, strict)
}

// ValidationError describes a result that failed schema validation.
type ValidationError struct {
	Phase   Phase
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s result invalid: %s", e.Phase, e.Message)
}

// Validate checks one phase result against the schema. Failures come
// back as *ValidationError; callers consult Strict() to decide whether
// to fail the phase or just log.
func (v *ResultValidator) Validate(p Phase, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return &ValidationError{Phase: p, Message: fmt.Sprintf("result not encodable: %s", err)}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return &ValidationError{Phase: p, Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &ValidationError{Phase: p, Message: err.Error()}
	}
	return nil
}

// Strict reports whether validation failures are fatal for the phase.
func (v *ResultValidator) Strict() bool {
	return v.strict
}
