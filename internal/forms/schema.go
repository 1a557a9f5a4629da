package forms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/formsign/constants"
)

// BuildSettingsJSONSchema returns the JSON-Schema for a form's settings document as a generic map.
func BuildSettingsJSONSchema() map[string]any {
	field := map[string]any{"type": "string", "maxLength": 100}
	signer := map[string]any{
		"type":     "object",
		"required": []string{"email_field", "name_field"},
		"properties": map[string]any{
			"email_field": map[string]any{"type": "string", "minLength": 1, "maxLength": 100},
			"name_field":  map[string]any{"type": "string", "minLength": 1, "maxLength": 100},
			"phone_field": field,
			"cpf_field":   field,
			"action": map[string]any{
				"type": "string",
				"enum": []string{string(constants.ActionSign), string(constants.ActionApprove), string(constants.ActionAcknowledge)},
			},
		},
		"additionalProperties": false,
	}
	signature := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"enabled":              map[string]any{"type": "boolean"},
			"sandbox":              map[string]any{"type": "boolean"},
			"template_id":          map[string]any{"type": "string"},
			"document_name":        map[string]any{"type": "string", "maxLength": 200},
			"auto_close":           map[string]any{"type": "boolean"},
			"send_automatic_email": map[string]any{"type": "boolean"},
			"signers":              map[string]any{"type": "array", "items": signer, "maxItems": 20},
		},
		"additionalProperties": false,
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"signature": signature,
			"extra":     map[string]any{"type": "object"},
		},
		"additionalProperties": false,
	}
}

var settingsSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(BuildSettingsJSONSchema())
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("form-settings.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile("form-settings.json")
})

// validateSettings checks raw settings JSON against the settings schema.
func validateSettings(raw []byte) error {
	schema, err := settingsSchema()
	if err != nil {
		return fmt.Errorf("compile settings schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("settings are not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}
