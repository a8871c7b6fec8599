package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Status classifies a fact lookup.
type Status int

const (
	// NotFound means the text did not state the fact.
	NotFound Status = iota
	// Found carries a value.
	Found
	// Failed means the lookup itself went wrong (LLM error, unreadable reply).
	Failed
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Failed:
		return "error"
	default:
		return "not_found"
	}
}

// MarshalText renders the status by name in JSON reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the result for one fact.
type Outcome struct {
	Status Status `json:"status"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

// FoundValue builds a Found outcome.
func FoundValue(v any) Outcome { return Outcome{Status: Found, Value: v} }

// FailedOutcome builds a Failed outcome.
func FailedOutcome(reason string) Outcome { return Outcome{Status: Failed, Reason: reason} }

// FactSet maps every requested fact name to its outcome.
type FactSet map[string]Outcome

// Values flattens the set: found facts map to their value, everything else to nil.
func (fs FactSet) Values() map[string]any {
	out := make(map[string]any, len(fs))
	for k, o := range fs {
		if o.Status == Found {
			out[k] = o.Value
		} else {
			out[k] = nil
		}
	}
	return out
}

// FoundNames lists facts with a value, sorted.
func (fs FactSet) FoundNames() []string {
	var names []string
	for k, o := range fs {
		if o.Status == Found {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Missing returns the names from want that are not yet found, in want order.
func (fs FactSet) Missing(want []string) []string {
	var out []string
	for _, name := range want {
		if fs[name].Status != Found {
			out = append(out, name)
		}
	}
	return out
}

const factInstruction = "You extract facts about a place from web page text. " +
	"Reply with a single JSON object and nothing else."

// ExtractFacts asks the model for the named facts in text. Every requested
// name is present in the result. When the model fails or its reply cannot be
// read, every fact is marked Failed with the reason.
func ExtractFacts(ctx context.Context, client Client, text string, facts []string) FactSet {
	out := make(FactSet, len(facts))
	if len(facts) == 0 {
		return out
	}
	for _, f := range facts {
		out[f] = Outcome{Status: NotFound}
	}

	reply, err := Ask(ctx, client, factInstruction, factPrompt(text, facts))
	if err != nil {
		markAll(out, FailedOutcome(err.Error()))
		return out
	}
	parsed, err := ParseReply(reply)
	if err != nil {
		markAll(out, FailedOutcome(err.Error()))
		return out
	}
	for _, f := range facts {
		if v, ok := lookup(parsed, f); ok && Present(v) {
			out[f] = FoundValue(v)
		}
	}
	return out
}

func factPrompt(text string, facts []string) string {
	var b strings.Builder
	b.WriteString("From the text below, extract these facts: ")
	b.WriteString(strings.Join(facts, ", "))
	b.WriteString(".\nRespond with a JSON object whose keys are exactly those names. ")
	b.WriteString("Use null for any fact the text does not state. Use numbers for counts and sizes.\n\nText:\n")
	b.WriteString(text)
	return b.String()
}

func markAll(fs FactSet, o Outcome) {
	for k := range fs {
		fs[k] = o
	}
}

// lookup finds key in m, falling back to a case-insensitive match.
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

var placeholderValues = map[string]struct{}{
	"":              {},
	"null":          {},
	"none":          {},
	"unknown":       {},
	"n/a":           {},
	"na":            {},
	"not available": {},
	"not found":     {},
	"not specified": {},
}

// Present reports whether v carries information rather than a null or a
// placeholder such as "unknown".
func Present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		_, placeholder := placeholderValues[strings.ToLower(strings.TrimSpace(t))]
		return !placeholder
	case []any:
		return len(t) > 0
	case map[string]any:
		for _, inner := range t {
			if Present(inner) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// String renders an outcome for tables and logs.
func (o Outcome) String() string {
	switch o.Status {
	case Found:
		return fmt.Sprint(o.Value)
	case Failed:
		return "error: " + o.Reason
	default:
		return "-"
	}
}
