package prompts

func evidenceRefSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fragment_id": StringSchema(),
			"stance":      EnumSchema("support", "contradict"),
		},
		"required":             []string{"fragment_id", "stance"},
		"additionalProperties": false,
	}
}

func evidenceRefArraySchema() map[string]any {
	return map[string]any{"type": "array", "items": evidenceRefSchema()}
}

func paradigmItemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":     StringSchema(),
			"evidence": evidenceRefArraySchema(),
		},
		"required":             []string{"text", "evidence"},
		"additionalProperties": false,
	}
}

func paradigmItemArraySchema() map[string]any {
	return map[string]any{"type": "array", "items": paradigmItemSchema()}
}

func CentralCategorySchema() map[string]any {
	rejected := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"category_id": StringSchema(),
			"reason":      StringSchema(),
		},
		"required":             []string{"category_id", "reason"},
		"additionalProperties": false,
	}

	return SchemaVersionedObject(1, map[string]any{
		"category_id":   StringSchema(),
		"justification": StringSchema(),
		"rejected":      map[string]any{"type": "array", "items": rejected},
	}, []string{"category_id", "justification", "rejected"})
}

func ParadigmSchema() map[string]any {
	consequence := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":     StringSchema(),
			"type":     EnumSchema("material", "social", "institutional"),
			"horizon":  EnumSchema("short_term", "long_term"),
			"evidence": evidenceRefArraySchema(),
		},
		"required":             []string{"text", "type", "horizon", "evidence"},
		"additionalProperties": false,
	}

	return SchemaVersionedObject(1, map[string]any{
		"context":                paradigmItemArraySchema(),
		"conditions":             paradigmItemArraySchema(),
		"actions":                paradigmItemArraySchema(),
		"intervening_conditions": paradigmItemArraySchema(),
		"consequences":           map[string]any{"type": "array", "items": consequence},
	}, []string{"context", "conditions", "actions", "intervening_conditions", "consequences"})
}

func GapsAndPropositionsSchema() map[string]any {
	proposition := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":         StringSchema(),
			"category_ids": StringArraySchema(),
			"evidence":     evidenceRefArraySchema(),
		},
		"required":             []string{"text", "category_ids", "evidence"},
		"additionalProperties": false,
	}
	gap := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":     StringSchema(),
			"kind":     EnumSchema("coverage", "contrast"),
			"evidence": evidenceRefArraySchema(),
		},
		"required":             []string{"text", "kind", "evidence"},
		"additionalProperties": false,
	}

	return SchemaVersionedObject(1, map[string]any{
		"propositions": map[string]any{"type": "array", "items": proposition},
		"gaps":         map[string]any{"type": "array", "items": gap},
	}, []string{"propositions", "gaps"})
}
