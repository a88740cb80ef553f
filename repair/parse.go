package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"VideoAgent-server/models"
)

// ErrMalformedResponse marks model output that could not be turned into a
// usable analysis even after repair.
var ErrMalformedResponse = errors.New("malformed model response")

// ParseAnalysis decodes the text model's script breakdown. A strict parse is
// tried first; on failure the payload goes through RepairJSON once.
func ParseAnalysis(raw string) (models.ScriptAnalysis, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return models.ScriptAnalysis{}, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}

	a, err := decodeAnalysis(trimmed)
	if err != nil {
		repaired := RepairJSON(trimmed)
		a, err = decodeAnalysis(repaired)
		if err != nil {
			return models.ScriptAnalysis{}, fmt.Errorf("%w: %v (payload snippet: %s)", ErrMalformedResponse, err, snippet(repaired))
		}
	}
	if len(a.Shots) == 0 {
		return models.ScriptAnalysis{}, fmt.Errorf("%w: no shots in analysis", ErrMalformedResponse)
	}
	return a, nil
}

// decodeAnalysis tolerates wrongly typed fields; they stay zero and are
// fixed up by the engine (numbering, durations).
func decodeAnalysis(s string) (models.ScriptAnalysis, error) {
	var a models.ScriptAnalysis
	err := json.Unmarshal([]byte(s), &a)
	var typeErr *json.UnmarshalTypeError
	if err != nil && !errors.As(err, &typeErr) {
		return models.ScriptAnalysis{}, err
	}
	return a, nil
}

// RepairJSON applies the usual fixes for model-emitted JSON: Markdown fences,
// prose around the object, comments and trailing commas. Output cut off
// mid-document is rolled back to its last complete object and closed.
func RepairJSON(s string) string {
	s = stripFences(s)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return strings.TrimSpace(s)
	}
	s = s[start:]
	// 截断的输出回退到最后一个完整的对象，再补齐括号
	if strings.HasPrefix(s, "{") {
		if end := strings.LastIndex(s, "}"); end >= 0 {
			s = s[:end+1]
		}
	}
	return balance(s)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	first := strings.Index(s, "```")
	if first < 0 {
		return s
	}
	body := s[first+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if last := strings.LastIndex(body, "```"); last >= 0 {
		body = body[:last]
	}
	return strings.TrimSpace(body)
}

// balance walks the payload once, dropping comments and trailing commas
// outside strings, then closes whatever the model left open.
func balance(s string) string {
	var (
		out      []byte
		stack    []byte
		inString bool
		escaped  bool
		// object bookkeeping: expecting a key, and where the last key began
		expectKey bool
		keyStart  = -1
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				out = append(out, c)
			case c == '\\':
				escaped = true
				out = append(out, c)
			case c == '"':
				inString = false
				out = append(out, c)
			case c == '\n':
				// 字符串内的裸换行
				out = append(out, '\\', 'n')
			case c == '\r':
			default:
				out = append(out, c)
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			if len(stack) > 0 && stack[len(stack)-1] == '{' && expectKey {
				keyStart = len(out)
			}
			out = append(out, c)
		case '/':
			if i+1 < len(s) && s[i+1] == '/' {
				for i < len(s) && s[i] != '\n' {
					i++
				}
				continue
			}
			if i+1 < len(s) && s[i+1] == '*' {
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					i = len(s)
				} else {
					i += end + 3
				}
				continue
			}
			out = append(out, c)
		case '{', '[':
			stack = append(stack, c)
			expectKey = c == '{'
			keyStart = -1
			out = append(out, c)
		case '}', ']':
			out = trimTrailingComma(out)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			expectKey = false
			keyStart = -1
			out = append(out, c)
		case ':':
			expectKey = false
			keyStart = -1
			out = append(out, c)
		case ',':
			expectKey = len(stack) > 0 && stack[len(stack)-1] == '{'
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}

	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out = append(out, '"')
	}

	out = []byte(strings.TrimRight(string(out), " \t\r\n"))
	if len(stack) > 0 && stack[len(stack)-1] == '{' {
		switch {
		case keyStart >= 0 && expectKey:
			// 只剩一个没有值的 key
			out = out[:keyStart]
		case len(out) > 0 && out[len(out)-1] == ':':
			out = append(out, []byte("null")...)
		}
	}
	out = trimTrailingComma(out)

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return string(out)
}

func trimTrailingComma(out []byte) []byte {
	trimmed := strings.TrimRight(string(out), " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		return []byte(trimmed[:len(trimmed)-1])
	}
	return out
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const limit = 160
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
