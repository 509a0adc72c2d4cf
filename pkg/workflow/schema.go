package workflow

// definitionSchema is the JSON schema a workflow document must satisfy before
// strict decoding. It guards shape, not semantics; cross-references (edges to
// real nodes, unique roles, insertion points) are checked after decode.
func definitionSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name", "state", "nodes", "edges"},
		"properties": map[string]any{
			"name":    map[string]any{"type": "string", "minLength": 1},
			"version": map[string]any{"type": "string"},
			"state": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type": "string",
					"enum": []any{"string", "number", "bool", "list", "map"},
				},
			},
			"nodes": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"name", "kind"},
					"properties": map[string]any{
						"name":   map[string]any{"type": "string", "minLength": 1},
						"kind":   map[string]any{"type": "string", "minLength": 1},
						"config": map[string]any{"type": "object"},
					},
				},
			},
			"edges": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"from", "to"},
					"properties": map[string]any{
						"from": map[string]any{"type": "string", "minLength": 1},
						"to":   map[string]any{"type": "string", "minLength": 1},
					},
				},
			},
			"agents": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"role", "provider", "insert"},
					"properties": map[string]any{
						"role": map[string]any{"type": "string", "minLength": 1},
						"provider": map[string]any{
							"type": "string",
							"enum": []any{"subprocess-cli", "session-protocol", "http-completion"},
						},
						"isolation_target": map[string]any{"type": "string"},
						"insert": map[string]any{
							"type":     "object",
							"required": []any{"node", "position"},
							"properties": map[string]any{
								"node": map[string]any{"type": "string", "minLength": 1},
								"position": map[string]any{
									"type": "string",
									"enum": []any{"before", "after"},
								},
							},
						},
						"timeout": map[string]any{"type": "string"},
						"task":    map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}
