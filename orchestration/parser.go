package orchestration

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

// This file isolates all heuristic parsing of LLM output. The accepted and
// rejected string forms are pinned by parser_test.go; keep changes in sync
// with those tests.

var (
	fencedBlockPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	numberedLinePattern = regexp.MustCompile(`(?m)^\s*\d+[\.\)]\s*`)
	trailingTruePattern = regexp.MustCompile(`(?i)\btrue\.?\s*$`)
)

// ExtractJSON pulls a JSON document out of free-form model output.
// Preference order: a fenced code block, then the first balanced {...} or
// [...] span, then a quote/punctuation-normalized retry. Returns
// core.ErrEmptyResponse or core.ErrMalformedJSON when nothing usable exists.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", core.ErrEmptyResponse
	}

	if m := fencedBlockPattern.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		// Fall through: the fenced content may still respond to span
		// extraction or normalization
		text = candidate
	}

	if span := balancedSpan(text); span != "" {
		if json.Valid([]byte(span)) {
			return span, nil
		}
		if fixed := normalizePunctuation(span); json.Valid([]byte(fixed)) {
			return fixed, nil
		}
	}

	if fixed := normalizePunctuation(text); json.Valid([]byte(fixed)) {
		return fixed, nil
	}

	return "", fmt.Errorf("%w: %s", core.ErrMalformedJSON, truncate(text, 120))
}

// balancedSpan finds the first balanced {...} or [...] span, tracking
// string literals so braces inside quoted values don't skew the depth count
func balancedSpan(s string) string {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// normalizePunctuation repairs the usual model typography: curly quotes and
// trailing commas before a closing brace or bracket
func normalizePunctuation(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", `'`, "’", `'`,
	)
	s = replacer.Replace(s)
	s = regexp.MustCompile(`,\s*([}\]])`).ReplaceAllString(s, "$1")
	return s
}

// ParseVerdict interprets a plan-vs-goal validator response. The validator
// is prompted for plain text, not JSON: a response is valid only when it is
// exactly, or ends with, "true" (case-insensitive, optional trailing
// period). Anything else becomes the rejection reason, with numbered-list
// markers and the trailing "true" artifact stripped.
func ParseVerdict(text string) (bool, string) {
	trimmed := strings.TrimSpace(text)
	lowered := strings.ToLower(strings.TrimSuffix(trimmed, "."))

	if lowered == "true" || strings.HasSuffix(lowered, " true") ||
		strings.HasSuffix(lowered, "\ntrue") || strings.HasSuffix(lowered, ":true") {
		return true, ""
	}

	reason := numberedLinePattern.ReplaceAllString(trimmed, "")
	reason = trailingTruePattern.ReplaceAllString(reason, "")
	reason = strings.TrimSpace(reason)
	return false, reason
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
