package openai

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theoriahq/theoria-backend/internal/platform/envutil"
)

// ModelCapabilities describes what a generation model accepts. The pipeline
// consults this before building a request instead of probing with a bad
// parameter and parsing the 400.
type ModelCapabilities struct {
	SupportsTemperature      bool
	SupportsStructuredOutput bool
	ContextWindowTokens      int
	MaxOutputTokens          int
	// CharsPerToken is the estimation ratio for this model family. Budget
	// checks divide rune counts by this and round up.
	CharsPerToken float64
}

type capabilityRule struct {
	prefix string
	caps   ModelCapabilities
}

// Longest-prefix wins; the empty prefix is the catch-all default.
var defaultCapabilityRules = []capabilityRule{
	{prefix: "", caps: ModelCapabilities{
		SupportsTemperature:      true,
		SupportsStructuredOutput: true,
		ContextWindowTokens:      128_000,
		MaxOutputTokens:          16_384,
		CharsPerToken:            4.0,
	}},
	{prefix: "o1", caps: ModelCapabilities{
		SupportsTemperature:      false,
		SupportsStructuredOutput: true,
		ContextWindowTokens:      200_000,
		MaxOutputTokens:          100_000,
		CharsPerToken:            4.0,
	}},
	{prefix: "o3", caps: ModelCapabilities{
		SupportsTemperature:      false,
		SupportsStructuredOutput: true,
		ContextWindowTokens:      200_000,
		MaxOutputTokens:          100_000,
		CharsPerToken:            4.0,
	}},
	{prefix: "gpt-5", caps: ModelCapabilities{
		SupportsTemperature:      false,
		SupportsStructuredOutput: true,
		ContextWindowTokens:      272_000,
		MaxOutputTokens:          128_000,
		CharsPerToken:            4.0,
	}},
	{prefix: "gpt-4o-mini", caps: ModelCapabilities{
		SupportsTemperature:      true,
		SupportsStructuredOutput: true,
		ContextWindowTokens:      128_000,
		MaxOutputTokens:          16_384,
		CharsPerToken:            4.0,
	}},
	{prefix: "gpt-3.5", caps: ModelCapabilities{
		SupportsTemperature:      true,
		SupportsStructuredOutput: false,
		ContextWindowTokens:      16_385,
		MaxOutputTokens:          4_096,
		CharsPerToken:            4.0,
	}},
}

// CapabilityRegistry resolves model ids to capabilities. Static rules come
// from the built-in table plus OPENAI_NO_TEMPERATURE_MODELS; runtime
// learning records models that rejected a parameter so the next request
// omits it without a failed round trip. Learned entries expire after a TTL
// so provider-side changes are picked up again.
type CapabilityRegistry struct {
	rules []capabilityRule

	noTempModels   map[string]bool
	noTempPrefixes []string

	mu          sync.RWMutex
	learnedTemp map[string]time.Time
	learnTTL    time.Duration
}

func NewCapabilityRegistryFromEnv() *CapabilityRegistry {
	models, prefixes := parseNoTempModelRules(os.Getenv("OPENAI_NO_TEMPERATURE_MODELS"))

	rules := make([]capabilityRule, len(defaultCapabilityRules))
	copy(rules, defaultCapabilityRules)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].prefix) > len(rules[j].prefix)
	})

	return &CapabilityRegistry{
		rules:          rules,
		noTempModels:   models,
		noTempPrefixes: prefixes,
		learnedTemp:    map[string]time.Time{},
		learnTTL:       envutil.Duration("OPENAI_CAPABILITY_LEARN_TTL", 24*time.Hour),
	}
}

func (r *CapabilityRegistry) Resolve(model string) ModelCapabilities {
	m := normalizeModelKey(model)
	caps := r.rules[len(r.rules)-1].caps
	for _, rule := range r.rules {
		if rule.prefix != "" && strings.HasPrefix(m, rule.prefix) {
			caps = rule.caps
			break
		}
	}

	if r.noTempModels[m] {
		caps.SupportsTemperature = false
	}
	for _, p := range r.noTempPrefixes {
		if strings.HasPrefix(m, p) {
			caps.SupportsTemperature = false
		}
	}

	r.mu.RLock()
	seen, ok := r.learnedTemp[m]
	ttl := r.learnTTL
	r.mu.RUnlock()
	if ok && (ttl <= 0 || time.Since(seen) < ttl) {
		caps.SupportsTemperature = false
	}
	return caps
}

// LearnNoTemperature marks a model as temperature-rejecting after a live
// failure. Subsequent Resolve calls omit the parameter until the TTL lapses.
func (r *CapabilityRegistry) LearnNoTemperature(model string) {
	m := normalizeModelKey(model)
	if m == "" {
		return
	}
	r.mu.Lock()
	r.learnedTemp[m] = time.Now().UTC()
	r.mu.Unlock()
}

func normalizeModelKey(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}

// OPENAI_NO_TEMPERATURE_MODELS: comma-separated model ids, "*" suffix for
// prefix match. Example: "o1-*, gpt-5, gpt-5-chat-latest".
func parseNoTempModelRules(raw string) (map[string]bool, []string) {
	m := map[string]bool{}
	var prefixes []string
	for _, part := range strings.Split(raw, ",") {
		s := normalizeModelKey(part)
		if s == "" {
			continue
		}
		if strings.HasSuffix(s, "*") {
			p := strings.TrimSpace(strings.TrimRight(strings.TrimSuffix(s, "*"), "-_./:"))
			if p != "" {
				prefixes = append(prefixes, p)
			}
			continue
		}
		m[s] = true
	}
	return m, prefixes
}
