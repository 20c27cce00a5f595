package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled JSON Schemas for migration payloads, one per
// target layout version. Validation rejects malformed payloads before the
// migrator runs, so a bad payload can never half-apply.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[int]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[int]*jsonschema.Schema)}
}

// Register compiles and stores the schema for payloads targeting toVersion.
func (r *SchemaRegistry) Register(toVersion int, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://tiller.schemas.local/migrate/v%d.schema.json", toVersion)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("migration schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("migration schema compile failed: %w", err)
	}

	r.mu.Lock()
	r.schemas[toVersion] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for toVersion. A
// version with no registered schema accepts any payload.
func (r *SchemaRegistry) Validate(toVersion int, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[toVersion]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("migration payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("migration payload rejected for version %d: %w", toVersion, err)
	}
	return nil
}
