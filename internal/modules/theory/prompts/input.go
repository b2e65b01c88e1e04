package prompts

// Input is a superset of all fields any prompt might need.
// Missing fields render empty strings (templates use missingkey=zero).
type Input struct {
	// Subgraph context (nodes with ranks, weighted edges)
	SubgraphJSON string
	// Evidence blocks: fragment_id-prefixed lines grouped by category
	EvidenceBlock string
	// Candidate categories for the central selection
	CandidatesJSON string
	// Stage 2+ context
	CentralCategoryJSON string
	NeighborhoodJSON    string
	// Stage 3 context
	ParadigmJSON string
	// Scoped repair: the failing section and what to emphasize
	RepairSection string
	RepairFocus   string
}
