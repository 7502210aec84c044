package providers

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema is a named JSON schema forwarded to providers that support strict
// structured outputs.
type Schema struct {
	Name string
	Raw  json.RawMessage
}

// SchemaFor reflects a JSON schema from T. The schema is inlined (no $ref)
// and closed (additionalProperties: false) so providers can enforce it
// strictly.
func SchemaFor[T any](name string) (*Schema, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	s := r.Reflect(&zero)
	s.Version = "" // strict-mode endpoints reject the $schema key

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	return &Schema{Name: name, Raw: raw}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name string) *Schema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}
