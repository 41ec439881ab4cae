package pipeline

import (
	"errors"
	"strings"
)

// extractFirstJSON pulls the first balanced JSON object or array out of model
// output. Models wrap JSON in prose or markdown fences often enough that a
// plain json.Unmarshal on the raw response is not workable.
func extractFirstJSON(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			if out, ok := scanBalanced(s, i); ok {
				return out, nil
			}
		}
	}
	return "", errors.New("no balanced JSON value found")
}

// stripCodeFence unwraps a leading ``` or ~~~ fenced block, tolerating an
// optional language tag.
func stripCodeFence(s string) (string, bool) {
	trim := strings.TrimLeft(s, " \t\r\n")
	var fence string
	switch {
	case strings.HasPrefix(trim, "```"):
		fence = "```"
	case strings.HasPrefix(trim, "~~~"):
		fence = "~~~"
	default:
		return "", false
	}
	rest := trim[len(fence):]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, fence)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

// scanBalanced extracts the balanced JSON value starting at i, tracking
// strings and escapes so braces inside text do not confuse the scan.
func scanBalanced(s string, i int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for j := i; j < len(s); j++ {
		c := s[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[i : j+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}
