package config

// Schema returns the JSON schema describing the combiner settings, in the
// shape Signal K server admin UIs render for plugin configuration.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"policy": map[string]any{
				"type":        "string",
				"title":       "Readiness policy",
				"description": "Whether a rule waits for every input (strict) or computes over the inputs seen so far (lenient)",
				"default":     "lenient",
				"enum":        []string{"strict", "lenient"},
			},
			"paths": map[string]any{
				"type":     "array",
				"title":    "Paths to combine",
				"minItems": 0,
				"items": map[string]any{
					"type":     "object",
					"required": []string{"input", "output"},
					"properties": map[string]any{
						"description": map[string]any{
							"type": "string",
						},
						"input": map[string]any{
							"type":     "array",
							"minItems": 2,
							"items": map[string]any{
								"title": "Input path",
								"type":  "string",
							},
						},
						"output": map[string]any{
							"title": "Output path",
							"type":  "string",
						},
						"operation": map[string]any{
							"type":        "string",
							"description": "Operation",
							"default":     "addition",
							"oneOf": []map[string]any{
								{"const": "addition", "title": "+"},
								{"const": "multiplication", "title": "*"},
							},
						},
						"policy": map[string]any{
							"type":        "string",
							"description": "Overrides the default readiness policy",
							"enum":        []string{"strict", "lenient"},
						},
					},
				},
			},
		},
	}
}
