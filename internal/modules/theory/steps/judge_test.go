package steps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	domain "github.com/theoriahq/theoria-backend/internal/domain/research"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

type fakeFragmentRepo struct {
	frags map[uuid.UUID]*domain.Fragment
	// byVector and recent back the vector-id resolution and the structured
	// fallback; tests that never touch retrieval leave them nil.
	byVector map[string]*domain.Fragment
	recent   map[uuid.UUID][]*domain.Fragment
}

func (f *fakeFragmentRepo) GetByIDs(dbc dbctx.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*domain.Fragment, error) {
	var out []*domain.Fragment
	for _, id := range ids {
		if frag, ok := f.frags[id]; ok {
			out = append(out, frag)
		}
	}
	return out, nil
}

func (f *fakeFragmentRepo) GetByVectorIDs(dbc dbctx.Context, projectID uuid.UUID, vectorIDs []string) ([]*domain.Fragment, error) {
	var out []*domain.Fragment
	for _, vid := range vectorIDs {
		if frag, ok := f.byVector[vid]; ok && frag.ProjectID == projectID {
			out = append(out, frag)
		}
	}
	return out, nil
}

func (f *fakeFragmentRepo) MostRecentlyCodedByCategory(dbc dbctx.Context, projectID, categoryID uuid.UUID, limit int) ([]*domain.Fragment, error) {
	frags := f.recent[categoryID]
	if limit > 0 && len(frags) > limit {
		frags = frags[:limit]
	}
	return frags, nil
}

func (f *fakeFragmentRepo) CountDistinctInterviewsByCategory(dbc dbctx.Context, projectID, categoryID uuid.UUID) (int64, error) {
	return 0, nil
}

var (
	judgeProjectID = uuid.MustParse("10000000-0000-0000-0000-000000000001")
	fragOne        = uuid.MustParse("20000000-0000-0000-0000-000000000001")
	fragTwo        = uuid.MustParse("20000000-0000-0000-0000-000000000002")
	interviewOne   = uuid.MustParse("30000000-0000-0000-0000-000000000001")
	interviewTwo   = uuid.MustParse("30000000-0000-0000-0000-000000000002")
)

func judgeFixture(rules JudgeRules) (*Judge, *theory.CriticalSubgraph) {
	repo := &fakeFragmentRepo{frags: map[uuid.UUID]*domain.Fragment{
		fragOne: {ID: fragOne, ProjectID: judgeProjectID, InterviewID: interviewOne},
		fragTwo: {ID: fragTwo, ProjectID: judgeProjectID, InterviewID: interviewTwo},
	}}
	sub := &theory.CriticalSubgraph{
		Nodes: []theory.SubgraphNode{
			{CategoryID: catA, Name: "Autonomy", Rank: 1, Role: "top"},
			{CategoryID: catB, Name: "Belonging", Rank: 2, Role: "top"},
		},
	}
	return NewJudge(logger.NewNop(), repo, rules), sub
}

func refs(id uuid.UUID) []theory.EvidenceRef {
	return []theory.EvidenceRef{{FragmentID: id, Stance: "support"}}
}

// passingDraft satisfies every gate: all statements cite resolvable
// fragments across two interviews, the text stays on the phenomenon, both
// top categories are engaged, and every consequence combination appears.
func passingDraft() *theory.Draft {
	draft := &theory.Draft{
		Central: theory.CentralSelection{CategoryID: catA},
		Paradigm: theory.Paradigm{
			Context:               []theory.ParadigmItem{{Text: "Care happens inside strained households.", Evidence: refs(fragOne)}},
			Conditions:            []theory.ParadigmItem{{Text: "Scarce support pushes relatives into caregiving.", Evidence: refs(fragTwo)}},
			Actions:               []theory.ParadigmItem{{Text: "Caregivers ration their own rest.", Evidence: refs(fragOne)}},
			InterveningConditions: []theory.ParadigmItem{{Text: "Neighborly help softens the load.", Evidence: refs(fragTwo)}},
		},
		Propositions: []theory.Proposition{{
			Text:        "Stronger belonging reduces caregiver exhaustion.",
			CategoryIDs: []uuid.UUID{catA, catB},
			Evidence:    refs(fragTwo),
		}},
	}
	for _, typ := range []string{theory.ConsequenceTypeMaterial, theory.ConsequenceTypeSocial, theory.ConsequenceTypeInstitutional} {
		for _, horizon := range []string{theory.HorizonShortTerm, theory.HorizonLongTerm} {
			draft.Paradigm.Consequences = append(draft.Paradigm.Consequences, theory.Consequence{
				Text:     "Exhaustion accumulates over time.",
				Type:     typ,
				Horizon:  horizon,
				Evidence: refs(fragOne),
			})
		}
	}
	return draft
}

func TestJudgePassingDraft(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, passingDraft())
	if plan != nil {
		t.Fatalf("expected no repair plan, got %+v", plan)
	}
	if record.Verdict != "passed" {
		t.Fatalf("expected verdict passed, got %q (%+v)", record.Verdict, record.Gates)
	}
	if len(record.Gates) != 5 {
		t.Fatalf("expected all 5 gates recorded, got %d", len(record.Gates))
	}
	if len(FailedRules(record)) != 0 {
		t.Fatalf("expected no failed rules, got %v", FailedRules(record))
	}
}

func TestJudgeEvidenceRequired(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	draft := passingDraft()
	draft.Paradigm.Conditions[0].Evidence = nil

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "failed" {
		t.Fatalf("expected verdict failed, got %q", record.Verdict)
	}
	if plan == nil || plan.Gate != GateEvidenceRequired {
		t.Fatalf("expected evidence_required plan, got %+v", plan)
	}
	if plan.Section != SectionConditions {
		t.Fatalf("repair should target the violating section, got %q", plan.Section)
	}
}

func TestJudgeEvidenceResolvable(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	draft := passingDraft()
	draft.Paradigm.Actions[0].Evidence = refs(uuid.MustParse("99999999-0000-0000-0000-000000000009"))

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "failed" {
		t.Fatalf("expected verdict failed, got %q", record.Verdict)
	}
	if plan == nil || plan.Gate != GateEvidenceResolvable {
		t.Fatalf("expected evidence_resolvable plan, got %+v", plan)
	}
	if plan.Section != SectionActions {
		t.Fatalf("repair should target the citing section, got %q", plan.Section)
	}
}

func TestJudgeDomainSanity(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	draft := passingDraft()
	draft.Paradigm.Actions[0].Text = "The interviewee reported rationing rest."

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "failed" {
		t.Fatalf("expected verdict failed, got %q", record.Verdict)
	}
	if plan == nil || plan.Gate != GateDomainSanity {
		t.Fatalf("expected domain_sanity plan, got %+v", plan)
	}
	if plan.Section != SectionActions {
		t.Fatalf("repair should target the violating section, got %q", plan.Section)
	}
}

func TestJudgeTargetsPropositionsWhenViolationsConcentrateThere(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	draft := passingDraft()
	draft.Propositions = append(draft.Propositions,
		theory.Proposition{Text: "Isolation deepens exhaustion.", CategoryIDs: []uuid.UUID{catA}},
		theory.Proposition{Text: "Shared routines distribute the load.", CategoryIDs: []uuid.UUID{catB}},
	)

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "failed" {
		t.Fatalf("expected verdict failed, got %q", record.Verdict)
	}
	if plan == nil || plan.Gate != GateEvidenceRequired {
		t.Fatalf("expected evidence_required plan, got %+v", plan)
	}
	if plan.Section != SectionPropositions {
		t.Fatalf("repair should target the propositions, got %q", plan.Section)
	}
}

func TestJudgeCoverageTriggersResample(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	draft := passingDraft()
	// Every citation collapses onto a single interview.
	single := refs(fragOne)
	draft.Paradigm.Context[0].Evidence = single
	draft.Paradigm.Conditions[0].Evidence = single
	draft.Paradigm.Actions[0].Evidence = single
	draft.Paradigm.InterveningConditions[0].Evidence = single
	for i := range draft.Paradigm.Consequences {
		draft.Paradigm.Consequences[i].Evidence = single
	}
	draft.Propositions[0].Evidence = single

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "failed" {
		t.Fatalf("expected verdict failed, got %q", record.Verdict)
	}
	if plan == nil || plan.Gate != GateCoverage {
		t.Fatalf("expected coverage plan, got %+v", plan)
	}
	if !plan.ResampleEvidence {
		t.Fatalf("coverage repair must resample evidence")
	}
}

func TestJudgeConsequenceBalance(t *testing.T) {
	judge, sub := judgeFixture(DefaultJudgeRules())
	draft := passingDraft()
	// Drop material/long_term.
	kept := draft.Paradigm.Consequences[:0]
	for _, c := range draft.Paradigm.Consequences {
		if c.Type == theory.ConsequenceTypeMaterial && c.Horizon == theory.HorizonLongTerm {
			continue
		}
		kept = append(kept, c)
	}
	draft.Paradigm.Consequences = kept

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "failed" {
		t.Fatalf("expected verdict failed, got %q", record.Verdict)
	}
	if plan == nil || plan.Gate != GateConsequenceBalance {
		t.Fatalf("expected consequence_balance plan, got %+v", plan)
	}
	want := theory.ConsequenceTypeMaterial + " " + theory.HorizonLongTerm
	if len(plan.DowngradeCombos) != 1 || plan.DowngradeCombos[0] != want {
		t.Fatalf("expected downgrade combo %q, got %v", want, plan.DowngradeCombos)
	}

	// Downgrading the combo satisfies the gate on re-evaluation.
	draft.InsufficientEvidence = plan.DowngradeCombos
	record, plan = judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if plan != nil || record.Verdict != "passed" {
		t.Fatalf("expected downgraded draft to pass, got verdict %q plan %+v", record.Verdict, plan)
	}
}

func TestJudgeWarnOnly(t *testing.T) {
	rules := DefaultJudgeRules()
	rules.WarnOnly = true
	judge, sub := judgeFixture(rules)
	draft := passingDraft()
	draft.Paradigm.Conditions[0].Evidence = nil

	record, plan := judge.Evaluate(dbctx.Context{}, judgeProjectID, 4, sub, draft)
	if record.Verdict != "warned" {
		t.Fatalf("expected verdict warned, got %q", record.Verdict)
	}
	if plan == nil {
		t.Fatalf("warn_only still reports the repair plan")
	}
	if !record.WarnOnly {
		t.Fatalf("record should carry the warn_only flag")
	}
}

func TestLoadJudgeRules(t *testing.T) {
	rules, err := LoadJudgeRules("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules.MaxRepairAttempts != 2 || rules.Coverage.MinTopCategoryShare != 0.5 {
		t.Fatalf("unexpected defaults: %+v", rules)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "warn_only: true\nmax_repair_attempts: 1\ncoverage:\n  min_top_category_share: 0.75\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
	rules, err = LoadJudgeRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rules.WarnOnly || rules.MaxRepairAttempts != 1 {
		t.Fatalf("overrides not applied: %+v", rules)
	}
	if rules.Coverage.MinTopCategoryShare != 0.75 {
		t.Fatalf("nested override not applied: %+v", rules.Coverage)
	}
	// Unset fields keep their defaults.
	if rules.Coverage.MinDistinctInterviewsLarge != 3 {
		t.Fatalf("defaults lost on partial override: %+v", rules.Coverage)
	}
}
