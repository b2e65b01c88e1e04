package openai

import "testing"

func TestResolveLongestPrefixWins(t *testing.T) {
	reg := NewCapabilityRegistryFromEnv()

	caps := reg.Resolve("gpt-4o-mini-2024-07-18")
	if !caps.SupportsTemperature || !caps.SupportsStructuredOutput {
		t.Fatalf("unexpected gpt-4o-mini caps: %+v", caps)
	}

	caps = reg.Resolve("o1-preview")
	if caps.SupportsTemperature {
		t.Fatalf("o1 family must not send temperature: %+v", caps)
	}
	if caps.ContextWindowTokens != 200_000 {
		t.Fatalf("unexpected o1 context window: %d", caps.ContextWindowTokens)
	}

	caps = reg.Resolve("gpt-3.5-turbo")
	if caps.SupportsStructuredOutput {
		t.Fatalf("gpt-3.5 does not support structured output: %+v", caps)
	}

	// Unknown models fall through to the catch-all default.
	caps = reg.Resolve("some-future-model")
	if caps.ContextWindowTokens != 128_000 || !caps.SupportsTemperature {
		t.Fatalf("unexpected default caps: %+v", caps)
	}
}

func TestResolveNormalizesModelKey(t *testing.T) {
	reg := NewCapabilityRegistryFromEnv()
	if caps := reg.Resolve("  O1-Mini "); caps.SupportsTemperature {
		t.Fatalf("normalization failed: %+v", caps)
	}
}

func TestLearnNoTemperature(t *testing.T) {
	reg := NewCapabilityRegistryFromEnv()
	model := "gpt-4o-mini"

	if caps := reg.Resolve(model); !caps.SupportsTemperature {
		t.Fatalf("precondition failed: %+v", caps)
	}
	reg.LearnNoTemperature(model)
	if caps := reg.Resolve(model); caps.SupportsTemperature {
		t.Fatalf("learned rejection not applied: %+v", caps)
	}
	// Other models are unaffected.
	if caps := reg.Resolve("gpt-4o"); !caps.SupportsTemperature {
		t.Fatalf("learning must be per-model: %+v", caps)
	}
}

func TestParseNoTempModelRules(t *testing.T) {
	models, prefixes := parseNoTempModelRules("o1-*, gpt-5, , GPT-5-Chat-Latest")
	if !models["gpt-5"] || !models["gpt-5-chat-latest"] {
		t.Fatalf("exact models not parsed: %v", models)
	}
	if len(prefixes) != 1 || prefixes[0] != "o1" {
		t.Fatalf("prefix rules not parsed: %v", prefixes)
	}
}
