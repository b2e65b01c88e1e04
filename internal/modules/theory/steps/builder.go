package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/theoriahq/theoria-backend/internal/data/graph"
	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	theoryrepo "github.com/theoriahq/theoria-backend/internal/data/repos/theory"
	domain "github.com/theoriahq/theoria-backend/internal/domain/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
	"github.com/theoriahq/theoria-backend/internal/platform/vector"
)

// ErrRunCancelled means a stage boundary observed a cancel request. Work
// already persisted stays; no further stage starts.
var ErrRunCancelled = fmt.Errorf("run cancelled")

type BuilderDeps struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Projects   researchrepo.ProjectRepo
	Categories researchrepo.CategoryRepo
	Fragments  researchrepo.FragmentRepo
	Theories   theoryrepo.TheoryRepo
	Claims     theoryrepo.ClaimRepo
	Graph      *neo4jdb.Client
	AI         openai.Client
	Vector     *vector.ScopedStore
	Rules      JudgeRules
	Namespace  string
}

// Builder runs the full generation pipeline: metrics, evidence, three
// model stages, the judge with scoped repairs, and persistence.
type Builder struct {
	deps      BuilderDeps
	log       *logger.Logger
	metrics   *MetricsStep
	evidence  *EvidenceStep
	central   *CentralStage
	paradigm  *ParadigmStage
	gaps      *GapsStage
	judge     *Judge
	persister *ClaimPersister
}

func NewBuilder(deps BuilderDeps) *Builder {
	log := deps.Log.With("service", "TheoryBuilder")
	return &Builder{
		deps:      deps,
		log:       log,
		metrics:   NewMetricsStep(deps.Log, deps.Graph, deps.Categories),
		evidence:  NewEvidenceStep(deps.Log, deps.Vector, deps.AI, deps.Fragments, deps.Categories, deps.Namespace, DefaultEvidenceConfig()),
		central:   NewCentralStage(deps.Log, deps.AI),
		paradigm:  NewParadigmStage(deps.Log, deps.AI),
		gaps:      NewGapsStage(deps.Log, deps.AI),
		judge:     NewJudge(deps.Log, deps.Fragments, deps.Rules),
		persister: NewClaimPersister(deps.Log, deps.Claims, deps.Graph),
	}
}

type BuildInput struct {
	OwnerUserID uuid.UUID
	ProjectID   uuid.UUID
	// Cancelled is polled at stage boundaries. Nil means never cancelled.
	Cancelled func() bool
	// Progress reports the current step and completion percentage. Nil is
	// allowed.
	Progress func(step string, pct int)
}

type BuildOutput struct {
	TheoryID   uuid.UUID
	Verdict    string
	ClaimCount int
	Audit      *theory.RunAudit
}

// Build executes the pipeline. A quality-gate failure still persists the
// draft theory and returns the output alongside the QualityGateError so the
// caller can surface both.
func (b *Builder) Build(ctx context.Context, in BuildInput) (BuildOutput, error) {
	if in.ProjectID == uuid.Nil {
		return BuildOutput{}, fmt.Errorf("missing project id")
	}
	dbc := dbctx.Context{Ctx: ctx}
	audit := theory.NewRunAudit()
	progress := in.Progress
	if progress == nil {
		progress = func(string, int) {}
	}
	cancelled := in.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	project, err := b.deps.Projects.GetByID(dbc, in.ProjectID)
	if err != nil {
		return BuildOutput{}, err
	}
	if project == nil {
		return BuildOutput{}, fmt.Errorf("project %s not found", in.ProjectID.String())
	}
	interviewCount, err := b.deps.Projects.CountInterviews(dbc, in.ProjectID)
	if err != nil {
		return BuildOutput{}, err
	}

	// Stage: graph metrics and subgraph selection.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("graph_metrics", 5)
	sub, err := timed(audit, "graph_metrics", func() (*theory.CriticalSubgraph, error) {
		return b.metrics.Compute(ctx, dbc, in.ProjectID, DefaultSubgraphBudget())
	})
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}
	if len(sub.Nodes) == 0 {
		return BuildOutput{Audit: audit}, fmt.Errorf("project %s has no categories to theorize over", in.ProjectID.String())
	}
	audit.CentralityBasis = sub.CentralityBasis

	// Stage: evidence retrieval.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("evidence", 20)
	index, err := timed(audit, "evidence", func() (*theory.EvidenceIndex, error) {
		return b.evidence.Retrieve(ctx, dbc, in.ProjectID, sub, audit)
	})
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}

	// Stage: central category selection.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("central_category", 35)
	central, err := timed(audit, "central_category", func() (theory.CentralSelection, error) {
		return b.central.Run(ctx, sub, index, audit)
	})
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}

	// Stage: paradigm build.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("paradigm", 55)
	paradigm, err := timed(audit, "paradigm", func() (theory.Paradigm, error) {
		return b.paradigm.Run(ctx, sub, index, central, audit)
	})
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}

	// Stage: gaps and propositions, with construct fold-back.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("gaps_propositions", 70)
	draft := &theory.Draft{Central: central, Paradigm: paradigm}
	_, err = timed(audit, "gaps_propositions", func() (struct{}, error) {
		props, gaps, gErr := b.gaps.Run(ctx, sub, index, central, &draft.Paradigm, audit)
		if gErr != nil {
			return struct{}{}, gErr
		}
		draft.Propositions = props
		draft.Gaps = gaps
		return struct{}{}, nil
	})
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}

	// Stage: judge with scoped repairs.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("judge", 80)
	record := b.judgeWithRepairs(ctx, dbc, in.ProjectID, interviewCount, sub, index, central, draft, audit)

	// Stage: persistence.
	if cancelled() {
		return BuildOutput{Audit: audit}, ErrRunCancelled
	}
	progress("persist", 90)
	out, err := b.persist(ctx, dbc, in.ProjectID, draft, record, audit)
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}
	progress("done", 100)

	if record.Verdict == "failed" {
		return out, &theory.QualityGateError{FailedRules: FailedRules(record)}
	}
	return out, nil
}

// judgeWithRepairs evaluates the draft and applies scoped repairs until the
// gates pass, the attempt budget runs out, or the remaining failure can
// only be downgraded.
func (b *Builder) judgeWithRepairs(ctx context.Context, dbc dbctx.Context, projectID uuid.UUID, interviewCount int64, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, draft *theory.Draft, audit *theory.RunAudit) theory.ValidationRecord {
	record, plan := b.judge.Evaluate(dbc, projectID, interviewCount, sub, draft)

	for attempt := 0; plan != nil && attempt < b.judge.Rules().MaxRepairAttempts; attempt++ {
		audit.RepairAttempts++
		record.RepairAttempts = audit.RepairAttempts
		b.log.Info("applying scoped repair",
			"project_id", projectID.String(),
			"gate", plan.Gate,
			"section", plan.Section,
			"attempt", attempt+1,
		)

		var repairErr error
		switch {
		case plan.ResampleEvidence:
			biased, rErr := b.evidence.RetrieveBiased(ctx, dbc, projectID, sub, audit, plan.Focus)
			if rErr != nil {
				repairErr = rErr
				break
			}
			index = biased
			rebuilt, pErr := b.paradigm.Run(ctx, sub, index, central, audit)
			if pErr != nil {
				repairErr = pErr
				break
			}
			draft.Paradigm = rebuilt
			props, gaps, gErr := b.gaps.Run(ctx, sub, index, central, &draft.Paradigm, audit)
			if gErr != nil {
				repairErr = gErr
				break
			}
			draft.Propositions = props
			draft.Gaps = gaps
		case plan.Section == SectionPropositions:
			// Propositions belong to the gaps stage, not the paradigm.
			props, gaps, gErr := b.gaps.Repair(ctx, sub, index, central, &draft.Paradigm, plan.Focus, audit)
			if gErr != nil {
				repairErr = gErr
				break
			}
			draft.Propositions = props
			draft.Gaps = gaps
		case plan.Section != "":
			repaired, pErr := b.paradigm.Repair(ctx, sub, index, central, draft.Paradigm, plan.Section, plan.Focus, audit)
			if pErr != nil {
				repairErr = pErr
				break
			}
			draft.Paradigm = repaired
		default:
			repairErr = fmt.Errorf("repair plan for gate %s has no action", plan.Gate)
		}
		if repairErr != nil {
			b.log.Warn("repair attempt failed", "gate", plan.Gate, "error", repairErr)
			break
		}

		record, plan = b.judge.Evaluate(dbc, projectID, interviewCount, sub, draft)
		record.RepairAttempts = audit.RepairAttempts
	}

	// A consequence combination the evidence cannot support is downgraded
	// rather than regenerated forever.
	if plan != nil && len(plan.DowngradeCombos) > 0 {
		draft.InsufficientEvidence = append(draft.InsufficientEvidence, plan.DowngradeCombos...)
		record, _ = b.judge.Evaluate(dbc, projectID, interviewCount, sub, draft)
		record.RepairAttempts = audit.RepairAttempts
	}
	return record
}

// persist writes the theory and its claims in one transaction, then
// projects the claim graph best-effort after commit.
func (b *Builder) persist(ctx context.Context, dbc dbctx.Context, projectID uuid.UUID, draft *theory.Draft, record theory.ValidationRecord, audit *theory.RunAudit) (BuildOutput, error) {
	status := domain.StatusCompleted
	if record.Verdict == "failed" {
		status = domain.StatusDraft
	}

	var theoryID uuid.UUID
	var nodes []graph.ClaimNode
	var links []graph.ClaimLink
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		row := &domain.Theory{
			ID:                uuid.New(),
			ProjectID:         projectID,
			CentralCategoryID: draft.Central.CategoryID,
			Justification:     draft.Central.Justification,
			Paradigm:          toJSON(draft.Paradigm),
			Propositions:      toJSON(draft.Propositions),
			Gaps:              toJSON(draft.Gaps),
			Validation:        toJSON(record),
			Status:            status,
		}
		created, cErr := b.deps.Theories.Create(txc, row)
		if cErr != nil {
			return cErr
		}
		theoryID = created.ID

		var pErr error
		nodes, links, pErr = b.persister.Persist(txc, projectID, theoryID, draft)
		if pErr != nil {
			return pErr
		}

		if status == domain.StatusCompleted {
			if sErr := b.deps.Theories.MarkSuperseded(txc, projectID, theoryID); sErr != nil {
				return sErr
			}
		}
		return nil
	})
	if err != nil {
		return BuildOutput{Audit: audit}, err
	}

	// Post-commit projection. The relational row is already authoritative;
	// a graph failure is recorded, never propagated.
	if gErr := b.persister.SyncGraph(ctx, nodes, links); gErr != nil {
		audit.PersistenceError = gErr.Error()
	}
	if uErr := b.deps.Theories.UpdateFields(dbc, theoryID, map[string]interface{}{
		"audit": toJSON(audit),
	}); uErr != nil {
		b.log.Warn("audit record update failed", "theory_id", theoryID.String(), "error", uErr)
	}

	return BuildOutput{
		TheoryID:   theoryID,
		Verdict:    record.Verdict,
		ClaimCount: len(nodes),
		Audit:      audit,
	}, nil
}

// timed records the wall-clock latency of one stage in the run audit.
func timed[T any](audit *theory.RunAudit, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	audit.StageLatenciesMs[stage] = time.Since(start).Milliseconds()
	return out, err
}
