package theory_build

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	taskrt "github.com/theoriahq/theoria-backend/internal/jobs/runtime"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/steps"
)

// Poll hints per step, milliseconds. Model stages are slow, so the hint
// grows as the run advances; the runtime keeps it monotone.
var pollHints = map[string]int{
	"graph_metrics":     1000,
	"evidence":          1500,
	"central_category":  2500,
	"paradigm":          4000,
	"gaps_propositions": 4000,
	"judge":             4000,
	"persist":           4000,
}

func (p *Pipeline) Run(tc *taskrt.Context) error {
	if tc == nil || tc.Run == nil {
		return nil
	}
	projectID, ok := tc.PayloadUUID("project_id")
	if !ok || projectID == uuid.Nil {
		tc.Fail("validate", "invalid_payload", fmt.Errorf("missing project_id"))
		return nil
	}

	builder := steps.NewBuilder(steps.BuilderDeps{
		DB:         p.db,
		Log:        p.log,
		Projects:   p.projects,
		Categories: p.categories,
		Fragments:  p.fragments,
		Theories:   p.theories,
		Claims:     p.claims,
		Graph:      p.graph,
		AI:         p.ai,
		Vector:     p.vectors,
		Rules:      p.rules,
		Namespace:  p.namespace,
	})

	out, err := builder.Build(tc.Ctx, steps.BuildInput{
		OwnerUserID: tc.Run.OwnerUserID,
		ProjectID:   projectID,
		Cancelled:   tc.Cancelled,
		Progress: func(step string, pct int) {
			tc.Progress(step, pct, "", pollHints[step])
		},
	})
	finishRun(tc, out, err)
	return nil
}

// finishRun maps the build outcome onto the task run. A quality-gate
// failure completes the run: the draft theory and its validation record are
// already persisted, so the caller gets the theory id and the failing gates
// in the result instead of a bare error code.
func finishRun(tc *taskrt.Context, out steps.BuildOutput, err error) {
	switch {
	case err == nil:
	case errors.Is(err, steps.ErrRunCancelled):
		// The cancel transition already happened; nothing to overwrite.
		return
	case errors.Is(err, theory.ErrBudgetExceeded):
		tc.Fail("budget", "budget_exceeded", err)
		return
	case errors.Is(err, theory.ErrEvidenceUnavailable):
		tc.Fail("evidence", "evidence_unavailable", err)
		return
	default:
		var gateErr *theory.QualityGateError
		if errors.As(err, &gateErr) {
			result := buildResult(out)
			result["failed_rules"] = gateErr.FailedRules
			tc.Succeed("quality_gate_failed", result)
			return
		}
		tc.Fail(tc.Run.Step, "pipeline_error", err)
		return
	}
	tc.Succeed("done", buildResult(out))
}

func buildResult(out steps.BuildOutput) map[string]any {
	result := map[string]any{
		"theory_id":   out.TheoryID.String(),
		"verdict":     out.Verdict,
		"claim_count": out.ClaimCount,
	}
	if out.Audit != nil {
		result["audit"] = out.Audit
	}
	return result
}
