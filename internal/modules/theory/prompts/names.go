package prompts

type PromptName string

const (
	// Generation stages
	PromptCentralCategory     PromptName = "central_category"
	PromptParadigmBuild       PromptName = "paradigm_build"
	PromptGapsAndPropositions PromptName = "gaps_and_propositions"
)
