package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// platformSchema constrains the platform webhook envelope before any field
// is trusted. Unknown types are rejected here, not deep in a handler.
const platformSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "organisationId"],
	"properties": {
		"type": {
			"type": "string",
			"enum": [
				"users.delete_users_requested",
				"third_party_apps.start_sync_requested",
				"data_protection.refresh_object_requested",
				"organisation.uninstalled"
			]
		},
		"organisationId": {
			"type": "string",
			"format": "uuid",
			"minLength": 36,
			"maxLength": 36
		},
		"ids": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"objectId": {"type": "string", "minLength": 1},
		"metadata": {}
	}
}`

func compilePlatformSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(platformSchema))
	if err != nil {
		return nil, fmt.Errorf("webhook schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("platform-webhook.json", doc); err != nil {
		return nil, fmt.Errorf("webhook schema: %w", err)
	}
	schema, err := compiler.Compile("platform-webhook.json")
	if err != nil {
		return nil, fmt.Errorf("webhook schema: %w", err)
	}
	return schema, nil
}

// validatePayload runs the envelope schema against a raw JSON body.
func validatePayload(schema *jsonschema.Schema, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook payload is not JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("webhook payload rejected: %w", err)
	}
	return nil
}
