package extractor

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// schemaShape is a standalone struct reflected into the extractor output
// schema; its map/slice field types are what the reflector needs to see
// object/array schemas, unlike rawResult's json.RawMessage fields.
type schemaShape struct {
	ExtractedFields map[string]string `json:"extractedFields"`
	Corrections     map[string]string `json:"corrections"`
	RemainingFields []string          `json:"remainingFields"`
}

var (
	rawResultSchemaOnce sync.Once
	rawResultSchemaJSON []byte
	rawResultSchemaErr  error
)

// rawResultSchema returns the JSON Schema the extractor's model output must
// validate against, generated from schemaShape rather than hand-written.
func rawResultSchema() ([]byte, error) {
	rawResultSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{ExpandedStruct: true}
		schema := r.Reflect(&schemaShape{})
		rawResultSchemaJSON, rawResultSchemaErr = json.Marshal(schema)
	})
	return rawResultSchemaJSON, rawResultSchemaErr
}
