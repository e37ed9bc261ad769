// Package schema generates JSON Schemas for typed tool parameters.
package schema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// For reflects a parameter struct into a JSON Schema suitable for tool
// definitions: inlined, no $ref, no additionalProperties.
func For[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	s := r.Reflect(&zero)
	out, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return out
}
