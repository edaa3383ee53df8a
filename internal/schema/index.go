// Package schema loads worker payload schemas from an OpenAPI document and
// validates step payloads before they are dispatched. Schemas live under
// components/schemas keyed by worker type; worker types without a schema are
// unconstrained.
package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// ValidationError describes a payload validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of payload schemas keyed by worker type.
type Index struct {
	schemas map[string]*openapi3.Schema
}

// NewIndex creates an empty schema index.
func NewIndex() *Index {
	return &Index{schemas: make(map[string]*openapi3.Schema)}
}

// Load parses the OpenAPI document at the given path and indexes every named
// schema under components/schemas.
func (idx *Index) Load(specPath string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return fmt.Errorf("schema: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("schema: validating %s: %w", specPath, err)
	}

	if doc.Components == nil {
		return nil
	}
	for name, ref := range doc.Components.Schemas {
		if ref == nil || ref.Value == nil {
			continue
		}
		idx.schemas[name] = ref.Value
	}
	return nil
}

// Has reports whether a schema is registered for the worker type.
func (idx *Index) Has(workerType string) bool {
	_, ok := idx.schemas[workerType]
	return ok
}

// WorkerTypes returns all worker types with a registered schema, sorted.
func (idx *Index) WorkerTypes() []string {
	types := make([]string, 0, len(idx.schemas))
	for t := range idx.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidatePayload checks a step payload against the worker type's schema.
// Returns an empty slice when valid or when no schema is registered for the
// type. Only required fields are enforced; workers validate in depth.
func (idx *Index) ValidatePayload(workerType string, payload map[string]any) []ValidationError {
	schema, ok := idx.schemas[workerType]
	if !ok {
		return nil
	}

	var errs []ValidationError
	for _, req := range schema.Required {
		if _, exists := payload[req]; !exists {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	return errs
}
