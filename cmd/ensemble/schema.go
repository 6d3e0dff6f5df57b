package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// SchemaCmd prints the JSON Schema for the configuration document.
// Output goes to stdout so it can be redirected or piped.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://github.com/ensembleworks/ensemble/schemas/config.json"
	schema.Title = "Ensemble Configuration Schema"
	schema.Description = "Configuration schema for the ensemble workflow runtime"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []any{
		map[string]any{
			"version": "1",
			"name":    "support-triage",
			"resources": map[string]any{
				"models": map[string]any{
					"default": map[string]any{
						"provider_kind": "vendor-native",
						"deployment":    "gpt-4o-mini",
					},
				},
			},
			"agents": []any{
				map[string]any{
					"id":           "assistant",
					"model_ref":    "default",
					"instructions": "You are a helpful assistant.",
				},
			},
			"workflow": map[string]any{
				"kind": "sequential",
				"steps": []any{
					map[string]any{"id": "answer", "agent_id": "assistant"},
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
