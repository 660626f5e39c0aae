// Package jsonschema validates JSON documents against JSON Schemas.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceName = "schema.json"

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled JSON Schema that can be reused across documents.
type Schema struct {
	schema *jsonschema.Schema
}

// Compile parses and compiles a schema.
func Compile(schemaStr string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	if err := compiler.AddResource(resourceName, strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{schema: schema}, nil
}

// MustCompile is like Compile but panics if the schema is invalid. It is meant
// for package-level schemas.
func MustCompile(schemaStr string) *Schema {
	s, err := Compile(schemaStr)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateBytes parses data and validates it. It returns nil when the
// document is valid.
func (s *Schema) ValidateBytes(data []byte) ValidationErrors {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}
	return s.ValidateValue(doc)
}

// ValidateValue validates an already decoded document.
func (s *Schema) ValidateValue(doc interface{}) ValidationErrors {
	err := s.schema.Validate(doc)
	if err == nil {
		return nil
	}
	if validationErr, ok := err.(*jsonschema.ValidationError); ok {
		if errs := extractValidationErrors(validationErr); len(errs) > 0 {
			return errs
		}
	}
	return ValidationErrors{err}
}

// Validate validates a JSON string against a JSON Schema
// Returns true if the JSON is valid, false otherwise
// If there's an error in the schema or JSON parsing, it returns an error
func Validate(jsonStr, schemaStr string) (bool, error) {
	schema, err := Compile(schemaStr)
	if err != nil {
		return false, err
	}

	var jsonData interface{}
	if err := json.Unmarshal([]byte(jsonStr), &jsonData); err != nil {
		return false, fmt.Errorf("invalid JSON: %w", err)
	}

	return schema.ValidateValue(jsonData) == nil, nil
}

// ValidateWithErrors validates a JSON string against a JSON Schema
// Returns true if the JSON is valid, false otherwise
// Also returns a list of validation errors if the JSON is invalid
func ValidateWithErrors(jsonStr, schemaStr string) (bool, ValidationErrors) {
	schema, err := Compile(schemaStr)
	if err != nil {
		return false, ValidationErrors{err}
	}

	if errs := schema.ValidateBytes([]byte(jsonStr)); errs != nil {
		return false, errs
	}
	return true, nil
}

// extractValidationErrors flattens the leaf causes of a validation error.
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	if len(err.Causes) == 0 {
		return ValidationErrors{fmt.Errorf("validation error at %s: %s", err.InstanceLocation, err.Message)}
	}

	var errors ValidationErrors
	for _, childErr := range err.Causes {
		errors = append(errors, extractValidationErrors(childErr)...)
	}
	return errors
}
