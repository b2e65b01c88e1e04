package theory

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Claim kinds for the proposition and gap sections. Paradigm claims carry
// their subsection name as the kind instead.
const (
	ClaimKindProposition = "proposition"
	ClaimKindGap         = "gap"
)

// Consequence taxonomy. Every consequence carries one type and one horizon;
// the judge checks that each combination is represented.
const (
	ConsequenceTypeMaterial      = "material"
	ConsequenceTypeSocial        = "social"
	ConsequenceTypeInstitutional = "institutional"

	HorizonShortTerm = "short_term"
	HorizonLongTerm  = "long_term"
)

var (
	// ErrBudgetExceeded means degradation steps were exhausted and the
	// request still does not fit the model context.
	ErrBudgetExceeded = errors.New("token budget exceeded after degradation")
	// ErrEvidenceUnavailable means both the vector path and the structured
	// fallback failed.
	ErrEvidenceUnavailable = errors.New("evidence unavailable")
)

// QualityGateError is the terminal judge failure after repairs are
// exhausted. The run completes with this attached rather than failing
// generically; callers can see exactly which rules failed.
type QualityGateError struct {
	FailedRules []string
}

func (e *QualityGateError) Error() string {
	return fmt.Sprintf("quality gate failed: %v", e.FailedRules)
}

// SubgraphNode is one selected category with its centrality standing.
type SubgraphNode struct {
	CategoryID uuid.UUID
	Name       string
	Score      float64
	Rank       int
	// Role is how the node earned its place: "top", "neighbor" or "bridge".
	Role string
}

type SubgraphEdge struct {
	FromID uuid.UUID
	ToID   uuid.UUID
	Weight float64
}

// CriticalSubgraph is the run-scoped selection the stages reason over.
// Never persisted beyond the audit trail.
type CriticalSubgraph struct {
	Nodes []SubgraphNode
	Edges []SubgraphEdge
	// CentralityBasis records which algorithm produced the scores.
	CentralityBasis string
}

// EvidenceRef points a claim at a fragment.
type EvidenceRef struct {
	FragmentID uuid.UUID `json:"fragment_id"`
	Stance     string    `json:"stance"` // support | contradict
}

// EvidenceItem is one retrieved fragment with its provenance.
type EvidenceItem struct {
	FragmentID  uuid.UUID
	InterviewID uuid.UUID
	Text        string
	Score       float64
}

// EvidenceIndex maps subgraph categories to their ranked evidence. It
// tracks contributing interviews so coverage and diversity checks have
// the data they need.
type EvidenceIndex struct {
	ByCategory map[uuid.UUID][]EvidenceItem
	// Interviews holds the distinct interview ids that contributed anywhere.
	Interviews map[uuid.UUID]struct{}
	// FallbackUsed is set when the structured-query fallback replaced
	// vector retrieval.
	FallbackUsed bool
}

func NewEvidenceIndex() *EvidenceIndex {
	return &EvidenceIndex{
		ByCategory: map[uuid.UUID][]EvidenceItem{},
		Interviews: map[uuid.UUID]struct{}{},
	}
}

// DistinctInterviews reports how many interviews contributed evidence.
func (e *EvidenceIndex) DistinctInterviews() int {
	if e == nil {
		return 0
	}
	return len(e.Interviews)
}

// RejectedAlternative is a candidate central category the model passed over.
type RejectedAlternative struct {
	CategoryID uuid.UUID `json:"category_id"`
	Reason     string    `json:"reason"`
}

// CentralSelection is the stage-one output.
type CentralSelection struct {
	CategoryID    uuid.UUID             `json:"category_id"`
	Justification string                `json:"justification"`
	Rejected      []RejectedAlternative `json:"rejected"`
}

// ParadigmItem is one statement in a paradigm section.
type ParadigmItem struct {
	Text     string        `json:"text"`
	Evidence []EvidenceRef `json:"evidence"`
}

// Consequence extends ParadigmItem with the type/horizon tags the balance
// gate inspects.
type Consequence struct {
	Text     string        `json:"text"`
	Type     string        `json:"type"`
	Horizon  string        `json:"horizon"`
	Evidence []EvidenceRef `json:"evidence"`
}

// Paradigm is the stage-two output.
type Paradigm struct {
	Context               []ParadigmItem `json:"context"`
	Conditions            []ParadigmItem `json:"conditions"`
	Actions               []ParadigmItem `json:"actions"`
	InterveningConditions []ParadigmItem `json:"intervening_conditions"`
	Consequences          []Consequence  `json:"consequences"`
}

// Proposition connects categories through a testable statement.
type Proposition struct {
	Text        string        `json:"text"`
	CategoryIDs []uuid.UUID   `json:"category_ids"`
	Evidence    []EvidenceRef `json:"evidence"`
}

// Gap names a coverage or contrast deficiency in the evidence.
type Gap struct {
	Text     string        `json:"text"`
	Kind     string        `json:"kind"` // coverage | contrast
	Evidence []EvidenceRef `json:"evidence"`
}

// Draft is the full stage output before judging.
type Draft struct {
	Central      CentralSelection
	Paradigm     Paradigm
	Propositions []Proposition
	Gaps         []Gap
	// InsufficientEvidence lists consequence type/horizon combinations the
	// judge downgraded instead of letting the model fabricate.
	InsufficientEvidence []string
}

// GateResult is one judge rule's outcome.
type GateResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Violations int    `json:"violations"`
	Details    string `json:"details,omitempty"`
}

// ValidationRecord is attached to the persisted theory.
type ValidationRecord struct {
	Gates          []GateResult `json:"gates"`
	RepairAttempts int          `json:"repair_attempts"`
	Verdict        string       `json:"verdict"` // passed | failed | warned
	WarnOnly       bool         `json:"warn_only"`
}

// RunAudit accumulates what actually happened during a run.
type RunAudit struct {
	CentralityBasis    string           `json:"centrality_basis"`
	FallbackUsed       bool             `json:"fallback_used"`
	DegradationSteps   int              `json:"degradation_steps"`
	RepairAttempts     int              `json:"repair_attempts"`
	StageLatenciesMs   map[string]int64 `json:"stage_latencies_ms"`
	PersistenceError   string           `json:"persistence_error,omitempty"`
	EvidenceQueries    int              `json:"evidence_queries"`
	DistinctInterviews int              `json:"distinct_interviews"`
}

func NewRunAudit() *RunAudit {
	return &RunAudit{StageLatenciesMs: map[string]int64{}}
}
