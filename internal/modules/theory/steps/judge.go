package steps

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

// Gate names, evaluated in this order. The earliest failing gate drives the
// repair plan.
const (
	GateEvidenceRequired   = "evidence_required"
	GateEvidenceResolvable = "evidence_resolvable"
	GateDomainSanity       = "domain_sanity"
	GateCoverage           = "coverage"
	GateConsequenceBalance = "consequence_balance"
)

// JudgeRules is the deterministic rule set. It ships with defaults and can
// be overridden from a yaml file.
type JudgeRules struct {
	WarnOnly       bool     `yaml:"warn_only"`
	ForbiddenTerms []string `yaml:"forbidden_terms"`
	Coverage       struct {
		SmallProjectMaxInterviews  int     `yaml:"small_project_max_interviews"`
		MinDistinctInterviewsSmall int     `yaml:"min_distinct_interviews_small"`
		MinDistinctInterviewsLarge int     `yaml:"min_distinct_interviews_large"`
		MinTopCategoryShare        float64 `yaml:"min_top_category_share"`
	} `yaml:"coverage"`
	MaxRepairAttempts int `yaml:"max_repair_attempts"`
}

func DefaultJudgeRules() JudgeRules {
	r := JudgeRules{
		ForbiddenTerms: []string{
			"interview", "interviewee", "respondent", "participant said",
			"transcript", "coding", "coded", "researcher", "analysis",
			"dataset", "category", "theme",
		},
		MaxRepairAttempts: 2,
	}
	r.Coverage.SmallProjectMaxInterviews = 5
	r.Coverage.MinDistinctInterviewsSmall = 2
	r.Coverage.MinDistinctInterviewsLarge = 3
	r.Coverage.MinTopCategoryShare = 0.5
	return r
}

// LoadJudgeRules reads rules from path, or returns defaults when path is
// empty. Unset yaml fields keep their default values.
func LoadJudgeRules(path string) (JudgeRules, error) {
	rules := DefaultJudgeRules()
	if strings.TrimSpace(path) == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read judge rules: %w", err)
	}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return rules, fmt.Errorf("parse judge rules: %w", err)
	}
	if rules.MaxRepairAttempts < 0 {
		rules.MaxRepairAttempts = 0
	}
	return rules, nil
}

// RepairPlan tells the pipeline what to regenerate after a gate failure.
type RepairPlan struct {
	// Gate is the failing gate the plan addresses.
	Gate string
	// Section is the paradigm section to regenerate. Empty means rebuild the
	// whole paradigm.
	Section string
	// Focus is handed to the repair prompt as emphasis terms.
	Focus string
	// ResampleEvidence requests a biased re-retrieval before regenerating.
	ResampleEvidence bool
	// DowngradeCombos lists consequence type/horizon combinations that
	// should move to the insufficient-evidence list instead of being
	// regenerated again.
	DowngradeCombos []string
}

type Judge struct {
	log          *logger.Logger
	fragmentRepo researchrepo.FragmentRepo
	rules        JudgeRules
}

func NewJudge(log *logger.Logger, fragmentRepo researchrepo.FragmentRepo, rules JudgeRules) *Judge {
	return &Judge{
		log:          log.With("step", "judge"),
		fragmentRepo: fragmentRepo,
		rules:        rules,
	}
}

func (j *Judge) Rules() JudgeRules { return j.rules }

// Evaluate runs every gate in order and returns the full record plus a
// repair plan for the earliest failure, nil when all gates pass. The judge
// never calls a model; identical input yields an identical verdict.
func (j *Judge) Evaluate(dbc dbctx.Context, projectID uuid.UUID, interviewCount int64, sub *theory.CriticalSubgraph, draft *theory.Draft) (theory.ValidationRecord, *RepairPlan) {
	record := theory.ValidationRecord{WarnOnly: j.rules.WarnOnly}
	var plan *RepairPlan

	gates := []func() (theory.GateResult, *RepairPlan){
		func() (theory.GateResult, *RepairPlan) { return j.gateEvidenceRequired(draft) },
		func() (theory.GateResult, *RepairPlan) { return j.gateEvidenceResolvable(dbc, projectID, draft) },
		func() (theory.GateResult, *RepairPlan) { return j.gateDomainSanity(draft) },
		func() (theory.GateResult, *RepairPlan) { return j.gateCoverage(dbc, projectID, interviewCount, sub, draft) },
		func() (theory.GateResult, *RepairPlan) { return j.gateConsequenceBalance(draft) },
	}
	for _, gate := range gates {
		result, gatePlan := gate()
		record.Gates = append(record.Gates, result)
		if !result.Passed && plan == nil {
			plan = gatePlan
		}
	}

	switch {
	case plan == nil:
		record.Verdict = "passed"
	case j.rules.WarnOnly:
		record.Verdict = "warned"
	default:
		record.Verdict = "failed"
	}
	return record, plan
}

// FailedRules lists the names of gates that did not pass.
func FailedRules(record theory.ValidationRecord) []string {
	out := []string{}
	for _, g := range record.Gates {
		if !g.Passed {
			out = append(out, g.Name)
		}
	}
	return out
}

func (j *Judge) gateEvidenceRequired(draft *theory.Draft) (theory.GateResult, *RepairPlan) {
	violationsBySection := map[string]int{}
	countItems := func(section string, items []theory.ParadigmItem) {
		for _, it := range items {
			if len(it.Evidence) == 0 {
				violationsBySection[section]++
			}
		}
	}
	countItems(SectionContext, draft.Paradigm.Context)
	countItems(SectionConditions, draft.Paradigm.Conditions)
	countItems(SectionActions, draft.Paradigm.Actions)
	countItems(SectionInterveningConditions, draft.Paradigm.InterveningConditions)
	for _, c := range draft.Paradigm.Consequences {
		if len(c.Evidence) == 0 {
			violationsBySection[SectionConsequences]++
		}
	}
	for _, p := range draft.Propositions {
		if len(p.Evidence) == 0 {
			violationsBySection[SectionPropositions]++
		}
	}

	total := 0
	for _, v := range violationsBySection {
		total += v
	}
	result := theory.GateResult{Name: GateEvidenceRequired, Passed: total == 0, Violations: total}
	if total == 0 {
		return result, nil
	}
	section := worstSection(violationsBySection)
	result.Details = fmt.Sprintf("%d statements lack evidence", total)
	return result, &RepairPlan{
		Gate:    GateEvidenceRequired,
		Section: section,
		Focus:   "attach fragment evidence to every statement; drop statements that cannot be grounded",
	}
}

func (j *Judge) gateEvidenceResolvable(dbc dbctx.Context, projectID uuid.UUID, draft *theory.Draft) (theory.GateResult, *RepairPlan) {
	refsBySection := collectEvidenceBySection(draft)
	all := map[uuid.UUID]struct{}{}
	for _, refs := range refsBySection {
		for _, r := range refs {
			all[r.FragmentID] = struct{}{}
		}
	}
	if len(all) == 0 {
		// Nothing cited; gate one already failed in that case.
		return theory.GateResult{Name: GateEvidenceResolvable, Passed: true}, nil
	}

	ids := make([]uuid.UUID, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	found, err := j.fragmentRepo.GetByIDs(dbc, projectID, ids)
	if err != nil {
		j.log.Error("evidence resolution query failed", "error", err)
		return theory.GateResult{
			Name:       GateEvidenceResolvable,
			Passed:     false,
			Violations: len(ids),
			Details:    "evidence lookup failed",
		}, &RepairPlan{Gate: GateEvidenceResolvable, Section: SectionConditions, Focus: "cite only fragment ids present in the evidence list"}
	}
	resolved := map[uuid.UUID]struct{}{}
	for _, f := range found {
		resolved[f.ID] = struct{}{}
	}

	violationsBySection := map[string]int{}
	total := 0
	for section, refs := range refsBySection {
		for _, r := range refs {
			if _, ok := resolved[r.FragmentID]; !ok {
				violationsBySection[section]++
				total++
			}
		}
	}
	result := theory.GateResult{Name: GateEvidenceResolvable, Passed: total == 0, Violations: total}
	if total == 0 {
		return result, nil
	}
	result.Details = fmt.Sprintf("%d citations reference unknown fragments", total)
	return result, &RepairPlan{
		Gate:    GateEvidenceResolvable,
		Section: worstSection(violationsBySection),
		Focus:   "cite only fragment ids present in the evidence list",
	}
}

func (j *Judge) gateDomainSanity(draft *theory.Draft) (theory.GateResult, *RepairPlan) {
	violationsBySection := map[string]int{}
	check := func(section, text string) {
		lower := strings.ToLower(text)
		for _, term := range j.rules.ForbiddenTerms {
			if strings.Contains(lower, strings.ToLower(term)) {
				violationsBySection[section]++
				return
			}
		}
	}
	for _, it := range draft.Paradigm.Context {
		check(SectionContext, it.Text)
	}
	for _, it := range draft.Paradigm.Conditions {
		check(SectionConditions, it.Text)
	}
	for _, it := range draft.Paradigm.Actions {
		check(SectionActions, it.Text)
	}
	for _, it := range draft.Paradigm.InterveningConditions {
		check(SectionInterveningConditions, it.Text)
	}
	for _, c := range draft.Paradigm.Consequences {
		check(SectionConsequences, c.Text)
	}
	for _, p := range draft.Propositions {
		check(SectionPropositions, p.Text)
	}

	total := 0
	for _, v := range violationsBySection {
		total += v
	}
	result := theory.GateResult{Name: GateDomainSanity, Passed: total == 0, Violations: total}
	if total == 0 {
		return result, nil
	}
	result.Details = fmt.Sprintf("%d statements describe the research process instead of the phenomenon", total)
	return result, &RepairPlan{
		Gate:    GateDomainSanity,
		Section: worstSection(violationsBySection),
		Focus:   "describe the phenomenon itself, never the research process or its artifacts",
	}
}

func (j *Judge) gateCoverage(dbc dbctx.Context, projectID uuid.UUID, interviewCount int64, sub *theory.CriticalSubgraph, draft *theory.Draft) (theory.GateResult, *RepairPlan) {
	// Thresholds adapt to project size: tiny projects cannot be held to the
	// same interview spread as large ones.
	minInterviews := j.rules.Coverage.MinDistinctInterviewsLarge
	if interviewCount <= int64(j.rules.Coverage.SmallProjectMaxInterviews) {
		minInterviews = j.rules.Coverage.MinDistinctInterviewsSmall
	}
	if int64(minInterviews) > interviewCount {
		minInterviews = int(interviewCount)
	}

	cited := map[uuid.UUID]struct{}{}
	for _, refs := range collectEvidenceBySection(draft) {
		for _, r := range refs {
			cited[r.FragmentID] = struct{}{}
		}
	}
	ids := make([]uuid.UUID, 0, len(cited))
	for id := range cited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	distinctInterviews := 0
	if len(ids) > 0 {
		frags, err := j.fragmentRepo.GetByIDs(dbc, projectID, ids)
		if err != nil {
			j.log.Error("coverage lookup failed", "error", err)
		} else {
			interviews := map[uuid.UUID]struct{}{}
			for _, f := range frags {
				interviews[f.InterviewID] = struct{}{}
			}
			distinctInterviews = len(interviews)
		}
	}

	// Share of top-ranked categories the theory actually engages.
	topIDs := map[uuid.UUID]struct{}{}
	for _, n := range sub.Nodes {
		if n.Role == "top" {
			topIDs[n.CategoryID] = struct{}{}
		}
	}
	engaged := map[uuid.UUID]struct{}{}
	if _, ok := topIDs[draft.Central.CategoryID]; ok {
		engaged[draft.Central.CategoryID] = struct{}{}
	}
	for _, p := range draft.Propositions {
		for _, id := range p.CategoryIDs {
			if _, ok := topIDs[id]; ok {
				engaged[id] = struct{}{}
			}
		}
	}
	share := 1.0
	if len(topIDs) > 0 {
		share = float64(len(engaged)) / float64(len(topIDs))
	}

	violations := 0
	details := []string{}
	if distinctInterviews < minInterviews {
		violations++
		details = append(details, fmt.Sprintf("evidence spans %d interviews, need %d", distinctInterviews, minInterviews))
	}
	if share < j.rules.Coverage.MinTopCategoryShare {
		violations++
		details = append(details, fmt.Sprintf("theory engages %.0f%% of top categories, need %.0f%%", share*100, j.rules.Coverage.MinTopCategoryShare*100))
	}

	result := theory.GateResult{Name: GateCoverage, Passed: violations == 0, Violations: violations}
	if violations == 0 {
		return result, nil
	}
	result.Details = strings.Join(details, "; ")
	return result, &RepairPlan{
		Gate:             GateCoverage,
		Focus:            "draw on a wider spread of interviews and engage the highest-ranked categories",
		ResampleEvidence: true,
	}
}

func (j *Judge) gateConsequenceBalance(draft *theory.Draft) (theory.GateResult, *RepairPlan) {
	present := map[string]struct{}{}
	for _, c := range draft.Paradigm.Consequences {
		present[c.Type+" "+c.Horizon] = struct{}{}
	}
	downgraded := map[string]struct{}{}
	for _, combo := range draft.InsufficientEvidence {
		downgraded[combo] = struct{}{}
	}

	missing := []string{}
	for _, typ := range []string{theory.ConsequenceTypeMaterial, theory.ConsequenceTypeSocial, theory.ConsequenceTypeInstitutional} {
		for _, horizon := range []string{theory.HorizonShortTerm, theory.HorizonLongTerm} {
			combo := typ + " " + horizon
			if _, ok := present[combo]; ok {
				continue
			}
			if _, ok := downgraded[combo]; ok {
				continue
			}
			missing = append(missing, combo)
		}
	}

	result := theory.GateResult{Name: GateConsequenceBalance, Passed: len(missing) == 0, Violations: len(missing)}
	if len(missing) == 0 {
		return result, nil
	}
	result.Details = fmt.Sprintf("missing consequence combinations: %s", strings.Join(missing, ", "))
	return result, &RepairPlan{
		Gate:            GateConsequenceBalance,
		Section:         SectionConsequences,
		Focus:           fmt.Sprintf("cover these consequence combinations where the evidence supports them: %s", strings.Join(missing, ", ")),
		DowngradeCombos: missing,
	}
}

func collectEvidenceBySection(draft *theory.Draft) map[string][]theory.EvidenceRef {
	out := map[string][]theory.EvidenceRef{}
	add := func(section string, refs []theory.EvidenceRef) {
		out[section] = append(out[section], refs...)
	}
	for _, it := range draft.Paradigm.Context {
		add(SectionContext, it.Evidence)
	}
	for _, it := range draft.Paradigm.Conditions {
		add(SectionConditions, it.Evidence)
	}
	for _, it := range draft.Paradigm.Actions {
		add(SectionActions, it.Evidence)
	}
	for _, it := range draft.Paradigm.InterveningConditions {
		add(SectionInterveningConditions, it.Evidence)
	}
	for _, c := range draft.Paradigm.Consequences {
		add(SectionConsequences, c.Evidence)
	}
	for _, p := range draft.Propositions {
		add(SectionPropositions, p.Evidence)
	}
	return out
}

// worstSection picks the section with the most violations, ties broken
// alphabetically. Propositions count like any other section; the pipeline
// routes that repair to the stage that generates them.
func worstSection(violations map[string]int) string {
	best := ""
	bestCount := -1
	keys := make([]string, 0, len(violations))
	for k := range violations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if violations[k] > bestCount {
			best, bestCount = k, violations[k]
		}
	}
	if best == "" {
		return SectionConditions
	}
	return best
}
