package openai

import (
	"strings"
	"testing"
)

func TestRecoverJSONDirectObject(t *testing.T) {
	obj, err := RecoverJSON(`{"verdict":"passed","count":3}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["verdict"] != "passed" {
		t.Fatalf("unexpected object: %v", obj)
	}
}

func TestRecoverJSONMarkdownFence(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"central_category_id\": \"abc\"}\n```\nLet me know if you need changes."
	obj, err := RecoverJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["central_category_id"] != "abc" {
		t.Fatalf("unexpected object: %v", obj)
	}
}

func TestRecoverJSONStripsControlCharacters(t *testing.T) {
	raw := "{\"text\":\"line one\"}\x00\x08"
	obj, err := RecoverJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["text"] != "line one" {
		t.Fatalf("unexpected object: %v", obj)
	}
	// Whitespace control characters survive between tokens.
	obj, err = RecoverJSON("{\n\t\"a\": 1\r\n}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["a"] != float64(1) {
		t.Fatalf("unexpected object: %v", obj)
	}
}

func TestRecoverJSONPicksLargestBalancedObject(t *testing.T) {
	raw := `I considered {"draft": true} but settled on {"propositions": [{"text": "a"}, {"text": "b"}], "gaps": []} overall.`
	obj, err := RecoverJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := obj["propositions"]; !ok {
		t.Fatalf("expected the larger object, got %v", obj)
	}
	if _, ok := obj["draft"]; ok {
		t.Fatalf("picked the smaller object: %v", obj)
	}
}

func TestRecoverJSONBracesInsideStrings(t *testing.T) {
	raw := `noise {"text": "an unmatched } inside", "ok": true} trailing`
	obj, err := RecoverJSON(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["ok"] != true {
		t.Fatalf("unexpected object: %v", obj)
	}
	if !strings.Contains(obj["text"].(string), "}") {
		t.Fatalf("string content mangled: %v", obj["text"])
	}
}

func TestRecoverJSONFailureModes(t *testing.T) {
	if _, err := RecoverJSON("   \n\t "); err == nil {
		t.Fatalf("empty output must error")
	}
	if _, err := RecoverJSON("the model declined to answer"); err == nil {
		t.Fatalf("prose with no object must error")
	}
	if _, err := RecoverJSON(`{"truncated": `); err == nil {
		t.Fatalf("unbalanced object must error")
	}
}
