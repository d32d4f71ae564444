package hook

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI spec file to load for a service.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation is a resolved OpenAPI operation: enough to build an HTTP
// request without touching the spec again.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	BaseURL      string
}

// Index maps (serviceID, operationID) to resolved operations across all
// configured service specs. Built once at startup, read-only afterwards.
type Index struct {
	operations map[string]IndexedOperation
}

// NewIndex creates an empty operation index.
func NewIndex() *Index {
	return &Index{operations: make(map[string]IndexedOperation)}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

// Load parses and validates OpenAPI specs from the sources and indexes every
// operation that declares an operationId.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("hook: loading spec %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("hook: validating spec %s: %w", src.ServiceID, err)
		}

		baseURL := src.BaseURL
		if baseURL == "" && len(doc.Servers) > 0 {
			baseURL = doc.Servers[0].URL
		}

		for path, pathItem := range doc.Paths.Map() {
			for method, op := range pathItem.Operations() {
				if op.OperationID == "" {
					continue
				}
				idx.operations[operationKey(src.ServiceID, op.OperationID)] = IndexedOperation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       method,
					PathTemplate: path,
					BaseURL:      baseURL,
				}
			}
		}
	}
	return nil
}

// Get returns the indexed operation for (serviceID, operationID).
func (idx *Index) Get(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int {
	return len(idx.operations)
}
