package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for drover.yaml. The Config struct's
// properties are inlined at the root so editors can validate the file
// without resolving a $ref first; `drover config schema` prints this.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			ExpandedStruct: true,
		}
		schema := r.Reflect(&Config{})
		schema.ID = "https://github.com/haasonsaas/drover/drover.schema.json"
		schema.Title = "drover configuration"
		schema.Description = "Configuration for the drover pipeline runner and agent session."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
