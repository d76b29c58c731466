package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema describes the configuration file format. Only roots is required.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	schema := reflector.Reflect(Config{})
	if schema.Version == "" {
		schema.Version = jsonschema.Version
	}
	schema.Title = "treewatch configuration"
	return schema
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
