package prompts

import (
	"strings"
	"testing"
)

func init() {
	RegisterAll()
}

func fullInput() Input {
	return Input{
		SubgraphJSON:        `{"nodes":[]}`,
		EvidenceBlock:       "## Autonomy\nf1\tquote",
		CandidatesJSON:      `[{"category_id":"c1"}]`,
		CentralCategoryJSON: `{"category_id":"c1"}`,
		NeighborhoodJSON:    `[]`,
		ParadigmJSON:        `{"context":[]}`,
	}
}

func TestBuildCentralCategory(t *testing.T) {
	p, err := Build(PromptCentralCategory, fullInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != string(PromptCentralCategory) || p.Version != 1 {
		t.Fatalf("unexpected prompt identity: %+v", p)
	}
	if p.SchemaName == "" || p.Schema == nil {
		t.Fatalf("schema missing: %+v", p)
	}
	if !strings.Contains(p.User, "f1\tquote") {
		t.Fatalf("evidence block not rendered: %q", p.User)
	}
}

func TestBuildValidatesRequiredFields(t *testing.T) {
	in := fullInput()
	in.EvidenceBlock = "   "
	if _, err := Build(PromptCentralCategory, in); err == nil {
		t.Fatalf("expected validation error for empty evidence")
	}

	in = fullInput()
	in.ParadigmJSON = ""
	if _, err := Build(PromptGapsAndPropositions, in); err == nil {
		t.Fatalf("expected validation error for missing paradigm")
	}
}

func TestBuildUnknownPrompt(t *testing.T) {
	if _, err := Build(PromptName("nope"), fullInput()); err == nil {
		t.Fatalf("expected error for unknown prompt")
	}
}

func TestGapsRepairMode(t *testing.T) {
	in := fullInput()
	normal, err := Build(PromptGapsAndPropositions, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(normal.System, "REPAIR MODE") {
		t.Fatalf("repair block rendered without a repair focus")
	}

	in.RepairFocus = "attach fragment evidence to every statement"
	repair, err := Build(PromptGapsAndPropositions, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(repair.System, "REPAIR MODE") {
		t.Fatalf("repair block not rendered: %q", repair.System)
	}
	if !strings.Contains(repair.System, in.RepairFocus) {
		t.Fatalf("repair focus not rendered: %q", repair.System)
	}
}

func TestParadigmRepairMode(t *testing.T) {
	in := fullInput()
	normal, err := Build(PromptParadigmBuild, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(normal.System, "REPAIR MODE") {
		t.Fatalf("repair block rendered without a repair section")
	}

	in.RepairSection = "consequences"
	in.RepairFocus = "cover missing type and horizon combinations"
	repair, err := Build(PromptParadigmBuild, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(repair.System, "regenerate only the consequences section") {
		t.Fatalf("repair section not rendered: %q", repair.System)
	}
	if !strings.Contains(repair.System, in.RepairFocus) {
		t.Fatalf("repair focus not rendered: %q", repair.System)
	}
	if !strings.Contains(repair.User, "EXISTING PARADIGM") {
		t.Fatalf("existing paradigm not included for repair: %q", repair.User)
	}
}
