package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RepairJSON returns s as valid JSON, fixing the small breakages streaming
// models produce: trailing commas, truncated closing brackets or braces, and
// an unterminated final string. Empty input becomes an empty object. Input
// that stays invalid after repair is returned with an error.
func RepairJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "{}", nil
	}
	if json.Valid([]byte(s)) {
		return s, nil
	}

	repaired := closeOpenScopes(stripTrailingCommas(s))
	if json.Valid([]byte(repaired)) {
		return repaired, nil
	}
	return "", fmt.Errorf("llm: invalid tool-call JSON after repair")
}

// stripTrailingCommas removes commas that directly precede a closing brace or
// bracket, outside of strings.
func stripTrailingCommas(s string) string {
	var (
		out      strings.Builder
		inString bool
		escaped  bool
	)
	runes := []rune(s)
	for i, r := range runes {
		if inString {
			out.WriteRune(r)
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
		if r == '"' {
			inString = true
			out.WriteRune(r)
			continue
		}
		if r == ',' {
			// Drop the comma when the next non-space rune closes a scope or
			// the input ends.
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j >= len(runes) || runes[j] == '}' || runes[j] == ']' {
				continue
			}
		}
		out.WriteRune(r)
	}
	return out.String()
}

// closeOpenScopes terminates an unfinished trailing string and appends the
// closing braces and brackets the input is missing.
func closeOpenScopes(s string) string {
	var (
		stack    []rune
		inString bool
		escaped  bool
	)
	for _, r := range s {
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
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteRune('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteRune('}')
		} else {
			b.WriteRune(']')
		}
	}
	return b.String()
}
