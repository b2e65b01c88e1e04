package theory

import (
	"math"
	"unicode/utf8"

	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
)

// BudgetRequest is the prospective prompt a stage wants to send.
type BudgetRequest struct {
	System string
	User   string
}

// DegradeFunc trims already-fetched data held by the caller and reports
// whether anything was actually trimmed. It must never issue a new store
// or network query.
type DegradeFunc func(step int) bool

// RenderFunc re-renders the prompt from the caller's (possibly trimmed)
// working set.
type RenderFunc func() BudgetRequest

const budgetSafetyMarginTokens = 512

// EstimateTokens approximates the token count of text for a model with the
// given chars-per-token ratio, rounding up. A non-positive ratio falls back
// to 4 chars per token.
func EstimateTokens(text string, charsPerToken float64) int {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return int(math.Ceil(float64(runes) / charsPerToken))
}

// EstimateRequest sums both prompt parts.
func EstimateRequest(req BudgetRequest, charsPerToken float64) int {
	return EstimateTokens(req.System, charsPerToken) + EstimateTokens(req.User, charsPerToken)
}

// EnsureWithinBudget returns the request untouched when it fits the model
// context (including reserved output and a safety margin). Otherwise it
// applies degrade up to maxSteps times, re-rendering and re-estimating
// after each, and returns ErrBudgetExceeded when steps run out. The number
// of degradation steps applied is returned for the run audit.
func EnsureWithinBudget(log *logger.Logger, render RenderFunc, caps openai.ModelCapabilities, reservedOutput, maxSteps int, degrade DegradeFunc) (BudgetRequest, int, error) {
	limit := caps.ContextWindowTokens
	if limit <= 0 {
		limit = 128_000
	}
	if reservedOutput <= 0 {
		reservedOutput = caps.MaxOutputTokens
	}
	available := limit - reservedOutput - budgetSafetyMarginTokens
	if available < 0 {
		available = 0
	}

	req := render()
	estimate := EstimateRequest(req, caps.CharsPerToken)
	if estimate <= available {
		return req, 0, nil
	}

	steps := 0
	for steps < maxSteps {
		steps++
		if !degrade(steps) {
			break
		}
		req = render()
		estimate = EstimateRequest(req, caps.CharsPerToken)
		if log != nil {
			log.Debug("budget degradation applied",
				"step", steps,
				"estimate_tokens", estimate,
				"available_tokens", available,
			)
		}
		if estimate <= available {
			return req, steps, nil
		}
	}
	return req, steps, ErrBudgetExceeded
}
