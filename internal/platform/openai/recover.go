package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// RecoverJSON parses model output that should be a JSON object but may be
// wrapped in prose or markdown fences. It strips control characters, then
// takes the largest balanced {...} block. Used when a model lacks strict
// structured output or when a strict response still fails to parse.
func RecoverJSON(raw string) (map[string]any, error) {
	cleaned := stripControlChars(raw)
	if strings.TrimSpace(cleaned) == "" {
		return nil, fmt.Errorf("empty model output")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		return obj, nil
	}

	block := largestBalancedObject(cleaned)
	if block == "" {
		return nil, fmt.Errorf("no JSON object found in model output")
	}
	if err := json.Unmarshal([]byte(block), &obj); err != nil {
		return nil, fmt.Errorf("parse recovered JSON block: %w", err)
	}
	return obj, nil
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// largestBalancedObject scans for top-level { } pairs, honoring strings and
// escapes, and returns the longest balanced block.
func largestBalancedObject(s string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := s[start : i+1]
				if len(candidate) > len(best) {
					best = candidate
				}
				start = -1
			}
		}
	}
	return best
}
