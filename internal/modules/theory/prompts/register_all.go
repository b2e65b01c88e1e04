package prompts

// RegisterAll installs every pipeline prompt. Call once at startup.
func RegisterAll() {
	RegisterSpec(Spec{
		Name:       PromptCentralCategory,
		Version:    1,
		SchemaName: "central_category",
		Schema:     CentralCategorySchema,
		System: `
You are analyzing coded qualitative interview data.
From the candidate categories, select the single most explanatory central category: the concept that the other categories most strongly organize around.
Ground every judgment in the evidence excerpts; never invent categories.
category_id values must be copied exactly from the candidates.
Return JSON only.`,
		User: `
CANDIDATE CATEGORIES (with centrality rank):
{{.CandidatesJSON}}

CATEGORY GRAPH (nodes and weighted co-occurrence edges):
{{.SubgraphJSON}}

EVIDENCE (each line starts with fragment_id):
{{.EvidenceBlock}}

Task:
- Pick exactly one category_id as the central category.
- justification: 3-8 sentences explaining why it is the most explanatory, citing evidence.
- rejected: every other strong candidate with a one-sentence reason it was passed over.`,
		Validators: []Validator{
			RequireNonEmpty("CandidatesJSON", func(in Input) string { return in.CandidatesJSON }),
			RequireNonEmpty("EvidenceBlock", func(in Input) string { return in.EvidenceBlock }),
		},
	})

	RegisterSpec(Spec{
		Name:       PromptParadigmBuild,
		Version:    1,
		SchemaName: "paradigm_build",
		Schema:     ParadigmSchema,
		System: `
You are building an explanatory paradigm around a central category from coded qualitative interview data.
Fill the sections: context, conditions, actions, intervening_conditions, consequences.
Each consequence must carry a type (material, social, institutional) and a horizon (short_term, long_term).
Every statement must reference the fragment_id lines it is grounded in; statements without grounding are forbidden.
Describe the phenomenon itself; never describe the research process.
Return JSON only.
{{if .RepairSection}}
REPAIR MODE: regenerate only the {{.RepairSection}} section. Emphasis: {{.RepairFocus}}. Keep other sections consistent with the provided paradigm.{{end}}`,
		User: `
CENTRAL CATEGORY:
{{.CentralCategoryJSON}}

NEIGHBORHOOD (related categories and edge strengths):
{{.NeighborhoodJSON}}
{{if .ParadigmJSON}}
EXISTING PARADIGM (for repair):
{{.ParadigmJSON}}
{{end}}
EVIDENCE (each line starts with fragment_id):
{{.EvidenceBlock}}

Task:
- context: the circumstances in which the phenomenon occurs.
- conditions: causal conditions that give rise to it.
- actions: strategies and interactions of the actors.
- intervening_conditions: factors that amplify or dampen the actions.
- consequences: outcomes, each tagged with type and horizon.
- Each item's evidence lists fragment_id references with stance support or contradict.`,
		Validators: []Validator{
			RequireNonEmpty("CentralCategoryJSON", func(in Input) string { return in.CentralCategoryJSON }),
			RequireNonEmpty("EvidenceBlock", func(in Input) string { return in.EvidenceBlock }),
		},
	})

	RegisterSpec(Spec{
		Name:       PromptGapsAndPropositions,
		Version:    1,
		SchemaName: "gaps_and_propositions",
		Schema:     GapsAndPropositionsSchema,
		System: `
You are deriving testable propositions and evidentiary gaps from an explanatory paradigm built on coded qualitative interview data.
Propositions must only connect constructs already present in the paradigm; do not introduce new concepts.
Gaps name places where evidence is thin (coverage) or one-sided (contrast); a gap needs no supporting evidence.
Describe the phenomenon itself; never describe the research process.
Return JSON only.
{{if .RepairFocus}}
REPAIR MODE: regenerate the propositions and gaps against the unchanged paradigm. Emphasis: {{.RepairFocus}}.{{end}}`,
		User: `
PARADIGM:
{{.ParadigmJSON}}

CENTRAL CATEGORY:
{{.CentralCategoryJSON}}

EVIDENCE (each line starts with fragment_id):
{{.EvidenceBlock}}

Task:
- propositions: 5-12 testable statements; category_ids lists the categories each one connects; cite evidence where it exists.
- gaps: coverage or contrast deficiencies, each with a kind tag.`,
		Validators: []Validator{
			RequireNonEmpty("ParadigmJSON", func(in Input) string { return in.ParadigmJSON }),
		},
	})
}
