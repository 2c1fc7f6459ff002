package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/runtime/agent/tools"
)

// builtinToolset names the registrations every worker carries. Deployments
// layer their own toolsets on top through the registry.
const builtinToolset = "builtin"

// builtinRegistrations returns the default tools available to every run.
func builtinRegistrations() []tools.Registration {
	return []tools.Registration{
		currentTimeRegistration(),
		generateIDRegistration(),
	}
}

func currentTimeRegistration() tools.Registration {
	return tools.Registration{
		Name:        "current_time",
		Description: "Returns the current UTC time, RFC 3339 by default.",
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Format string `json:"format"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			format := time.RFC3339
			if in.Format != "" {
				format = in.Format
			}
			return time.Now().UTC().Format(format), nil
		},
		Structured: &tools.StructuredSchema{
			Description: "Returns the current UTC time, RFC 3339 by default.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": map[string]any{
						"type":        "string",
						"description": "Go reference time layout to format with.",
					},
				},
			},
		},
		Tag: &tools.TagSchema{
			TagName:         "current_time",
			AttributeParams: []string{"format"},
			Example:         `<current_time/>`,
		},
	}
}

func generateIDRegistration() tools.Registration {
	return tools.Registration{
		Name:        "generate_id",
		Description: "Generates a random UUID.",
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return uuid.NewString(), nil
		},
		Structured: &tools.StructuredSchema{
			Description: "Generates a random UUID.",
			Parameters:  map[string]any{"type": "object"},
		},
		Tag: &tools.TagSchema{
			TagName: "generate_id",
			Example: `<generate_id/>`,
		},
	}
}
