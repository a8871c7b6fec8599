package llm

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/titanous/json5"
)

// ParseErrorKind tells a reply with no object in it apart from one whose
// object could not be decoded.
type ParseErrorKind int

const (
	NoJSON ParseErrorKind = iota + 1
	Malformed
)

func (k ParseErrorKind) String() string {
	switch k {
	case NoJSON:
		return "no json"
	case Malformed:
		return "malformed json"
	default:
		return "unknown"
	}
}

// ParseError is returned by ParseReply.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse reply: " + e.Kind.String()
	}
	return fmt.Sprintf("parse reply: %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNoJSON reports whether err is a ParseError of kind NoJSON.
func IsNoJSON(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == NoJSON
}

var fencedBlock = regexp.MustCompile("(?s)```[A-Za-z0-9]*[ \t]*\r?\n?(.*?)```")

// ParseReply pulls the first JSON object out of a model reply. The object
// may sit inside a fenced code block or loose in prose, and may use JSON5
// leniencies (single quotes, unquoted keys, trailing commas) or Python's
// None/True/False. Whole-number values come back as int64.
func ParseReply(reply string) (map[string]any, error) {
	body := reply
	if m := fencedBlock.FindStringSubmatch(reply); m != nil && strings.Contains(m[1], "{") {
		body = m[1]
	}

	candidates := objectCandidates(body)
	if len(candidates) == 0 {
		return nil, &ParseError{Kind: NoJSON}
	}

	var lastErr error
	for _, candidate := range candidates {
		var out map[string]any
		if err := json5.Unmarshal([]byte(pythonLiterals(candidate)), &out); err != nil {
			lastErr = err
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		normaliseNumbers(out)
		return out, nil
	}
	return nil, &ParseError{Kind: Malformed, Err: lastErr}
}

// objectCandidates returns each balanced top-level {...} span in s, in order.
// An opening brace that never closes yields the rest of the text so the
// decoder can report it as malformed.
func objectCandidates(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			out = append(out, s[i:])
			break
		}
		out = append(out, s[i:end+1])
		i = end
	}
	return out
}

// matchBrace returns the index of the brace closing the one at start, skipping
// braces inside quoted strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	var quote byte
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var pythonWords = map[string]string{
	"None":  "null",
	"True":  "true",
	"False": "false",
}

// pythonLiterals rewrites bare None/True/False outside of strings.
func pythonLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	escaped := false
	for i := 0; i < len(s); {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			b.WriteByte(c)
			i++
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			b.WriteByte(c)
			i++
			continue
		}
		if isIdentStart(c) {
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			if repl, ok := pythonWords[word]; ok && !followedByColon(s, j) {
				word = repl
			}
			b.WriteString(word)
			i = j
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func followedByColon(s string, j int) bool {
	for ; j < len(s); j++ {
		switch s[j] {
		case ' ', '\t', '\r', '\n':
			continue
		case ':':
			return true
		default:
			return false
		}
	}
	return false
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func normaliseNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normaliseValue(v)
	}
}

func normaliseValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		normaliseNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normaliseValue(t[i])
		}
		return t
	default:
		return v
	}
}
