package webhook

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const payloadSchema = `{
  "type": "object",
  "required": ["event", "document_id"],
  "properties": {
    "event":        {"type": "string", "minLength": 1},
    "document_id":  {"type": "string", "minLength": 1},
    "all_signed":   {"type": "boolean"},
    "signed_at":    {"type": "string"},
    "reason":       {"type": "string"},
    "viewer_email": {"type": "string"},
    "signer": {
      "type": "object",
      "properties": {
        "email": {"type": "string"},
        "name":  {"type": "string"}
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("webhook.json")
})

// validatePayload checks a decoded webhook body against the payload schema.
func validatePayload(v any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}
