package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Manifest bodies are validated against this schema before decoding, so
// handlers never see structurally bad manifests.
const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["client_files"],
  "properties": {
    "client_files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["relative_path"],
        "properties": {
          "relative_path": {"type": "string", "minLength": 1},
          "last_modified": {"type": "integer", "minimum": 0},
          "checksum": {"type": "string"},
          "is_directory": {"type": "boolean"},
          "is_deleted": {"type": "boolean"}
        }
      }
    }
  }
}`

func compileManifestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(manifestSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse manifest schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("manifest.schema.json")
}

func validateManifestBody(schema *jsonschema.Schema, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("manifest does not match schema: %w", err)
	}
	return nil
}
