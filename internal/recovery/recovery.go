// Package recovery turns imperfect reasoning-service output into parsed
// JSON. Models wrap answers in prose or code fences, and hitting the token
// limit truncates the payload mid-structure; this package peels the wrapper
// and repairs what truncation broke.
package recovery

import (
	"encoding/json"
	"strings"

	"github.com/cohortstack/cohort-engine/internal/utils"
)

// Result is a recovered JSON object. Repaired reports whether structural
// repair was needed; already-valid input always round-trips unchanged.
type Result struct {
	Data     map[string]any
	Repaired bool
}

// Parse extracts a JSON object from raw model output. The ladder is strict
// to permissive: direct parse, fenced code block, first brace-delimited
// slice, then truncation repair. Exhausting the ladder returns a
// TruncatedResponseError.
func Parse(text string) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, utils.NewTruncatedResponseError("empty response")
	}

	if data, ok := tryParse(trimmed); ok {
		return Result{Data: data}, nil
	}

	candidate := fencedBlock(trimmed)
	if candidate == "" {
		candidate = braceSlice(trimmed)
	}
	if candidate != "" {
		if data, ok := tryParse(candidate); ok {
			return Result{Data: data}, nil
		}
	} else {
		candidate = trimmed
	}

	if start := strings.Index(candidate, "{"); start > 0 {
		candidate = candidate[start:]
	}
	if data, ok := tryParse(repair(candidate)); ok {
		return Result{Data: data, Repaired: true}, nil
	}
	return Result{}, utils.NewTruncatedResponseError("response is not valid JSON and could not be repaired")
}

func tryParse(s string) (map[string]any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, false
	}
	return data, true
}

// fencedBlock returns the contents of the first ``` code fence, tolerating a
// language tag and a missing closing fence.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isLanguageTag(firstLine) {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) <= 10
}

// braceSlice returns the outermost {...} slice, or the tail from the first
// brace when the closing one never arrives.
func braceSlice(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(s, '}')
	if end > start {
		return s[start : end+1]
	}
	return s[start:]
}

// repair makes a truncated JSON document parseable: bare control characters
// inside strings are escaped, an unterminated string is closed, a dangling
// key or trailing comma is completed, and unclosed containers are balanced.
func repair(s string) string {
	var (
		out      strings.Builder
		stack    []byte
		inString bool
		escaped  bool
	)
	out.Grow(len(s) + 8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				out.WriteByte(c)
			case c == '\\':
				escaped = true
				out.WriteByte(c)
			case c == '"':
				inString = false
				out.WriteByte(c)
			case c == '\n':
				out.WriteString(`\n`)
			case c == '\r':
				out.WriteString(`\r`)
			case c == '\t':
				out.WriteString(`\t`)
			default:
				out.WriteByte(c)
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
		out.WriteByte(c)
	}

	if escaped {
		// Truncated mid-escape; drop the lone backslash.
		repaired := out.String()
		out.Reset()
		out.WriteString(repaired[:len(repaired)-1])
	}
	if inString {
		out.WriteByte('"')
	}

	repaired := strings.TrimRight(out.String(), " \t\n\r")
	switch {
	case strings.HasSuffix(repaired, ":"):
		repaired += " null"
	case strings.HasSuffix(repaired, ","):
		repaired = repaired[:len(repaired)-1]
	}

	var tail strings.Builder
	tail.WriteString(repaired)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			tail.WriteByte('}')
		} else {
			tail.WriteByte(']')
		}
	}
	return tail.String()
}
