package api

import (
	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the invoke surface.
// The action field is an enum of the enabled actions.
func buildOpenAPIDoc(actions []action.Action) map[string]any {
	names := make([]string, 0, len(actions))
	var writes []string
	for _, a := range actions {
		names = append(names, string(a))
		if a.Kind() == action.KindWrite {
			writes = append(writes, string(a))
		}
	}

	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "procbridge",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/invoke": map[string]any{
				"post": map[string]any{
					"operationId":     "invoke",
					"summary":         "Run one action in the worker",
					"description":     "Write actions require invoke:rw.",
					"x-write-actions": writes,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": invokeRequestSchema(names),
							},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Outcome of the call",
							"content": map[string]any{
								"application/json": map[string]any{"schema": responseSchema()},
							},
						},
						"400": map[string]any{"description": "Bad request"},
						"403": map[string]any{"description": "Insufficient scope"},
						"429": map[string]any{"description": "Rate limited"},
					},
					"security": bearer,
				},
			},
			"/actions": map[string]any{
				"get": map[string]any{
					"operationId": "listActions",
					"responses":   map[string]any{"200": map[string]any{"description": "Enabled actions"}},
					"security":    bearer,
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"responses":   map[string]any{"200": map[string]any{"description": "Server-sent events"}},
					"security":    bearer,
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func invokeRequestSchema(actions []string) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"action"},
		"properties": map[string]any{
			"action":  map[string]any{"type": "string", "enum": actions},
			"payload": map[string]any{"type": "object"},
		},
	}
}

func responseSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"success", "outcome"},
		"properties": map[string]any{
			"success":       map[string]any{"type": "boolean"},
			"data":          map[string]any{},
			"error":         map[string]any{"type": "string"},
			"details":       map[string]any{},
			"invocation_id": map[string]any{"type": "string"},
			"outcome": map[string]any{
				"type": "string",
				"enum": []outcome.Kind{
					outcome.KindSuccess,
					outcome.KindApplicationFailure,
					outcome.KindTransportFailure,
					outcome.KindTimeout,
					outcome.KindValidationFailure,
				},
			},
		},
	}
}
