package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/antzucaro/matchr"

	"venuescout/internal/llm"
)

// SelectRequest is what a LinkSelector sees when choosing the next page.
type SelectRequest struct {
	Subject   string
	Missing   []string
	Shortlist []string
	// Visited reports whether a URL was already read in this traversal. May be nil.
	Visited func(string) bool
	// Conversation is the running traversal history. Selectors may append to it.
	Conversation *llm.Conversation
}

// Selection is a selector's choice. Fallback is set when the first
// shortlist entry was used because the selector's own answer was unusable.
type Selection struct {
	URL      string
	Fallback bool
	// Words approximates the prompt and reply size for budgeting.
	Words int
}

// LinkSelector picks which shortlist URL to visit next.
type LinkSelector interface {
	Select(ctx context.Context, req SelectRequest) Selection
}

// DomainScoped is implemented by selectors that only ever follow links on
// the start URL's own domain.
type DomainScoped interface {
	SameDomainOnly() bool
}

// HeuristicSelector takes the first shortlist entry, i.e. frontier order.
type HeuristicSelector struct{}

// SameDomainOnly implements DomainScoped. Frontier order alone cannot judge
// relevance, so the heuristic walk never leaves the site.
func (HeuristicSelector) SameDomainOnly() bool { return true }

// Select implements LinkSelector.
func (HeuristicSelector) Select(_ context.Context, req SelectRequest) Selection {
	if len(req.Shortlist) == 0 {
		return Selection{}
	}
	return Selection{URL: req.Shortlist[0]}
}

// LLMSelector asks the model to choose, expecting {"url": "..."}.
type LLMSelector struct {
	Client llm.Client
	// MatchThreshold is the Jaro-Winkler similarity of path and query above
	// which a same-origin reply URL that is not a shortlist entry still counts
	// as the closest entry.
	MatchThreshold float64
}

const (
	defaultMatchThreshold = 0.97
	// minMatchGap is how far the closest entry must score above the runner-up.
	minMatchGap = 0.02
)

// Select implements LinkSelector. The choice is a shortlist entry, or the
// reply itself when it names a page req.Visited already knows, so the caller
// can skip it. An unreadable reply, a missing key or a URL that matches
// nothing falls back to the first entry.
func (s LLMSelector) Select(ctx context.Context, req SelectRequest) Selection {
	if len(req.Shortlist) == 0 {
		return Selection{}
	}
	if len(req.Shortlist) == 1 {
		return Selection{URL: req.Shortlist[0]}
	}

	prompt := selectionPrompt(req)
	var (
		reply string
		err   error
	)
	if req.Conversation != nil {
		reply, err = llm.Aggregate(ctx, s.Client, req.Conversation, prompt)
	} else {
		reply, err = llm.Ask(ctx, s.Client, "", prompt)
	}
	words := len(strings.Fields(prompt)) + len(strings.Fields(reply))
	fallback := Selection{URL: req.Shortlist[0], Fallback: true, Words: words}
	if err != nil {
		return fallback
	}
	parsed, err := llm.ParseReply(reply)
	if err != nil {
		return fallback
	}
	raw, ok := parsed["url"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	choice := strings.TrimSpace(raw)
	if req.Visited != nil && CanonicalKey(choice) != "" && req.Visited(choice) {
		return Selection{URL: choice, Words: words}
	}
	if match, ok := s.match(choice, req.Shortlist); ok {
		return Selection{URL: match, Words: words}
	}
	return fallback
}

// match maps choice onto the shortlist: an exact or canonical match first,
// then a near-identical path and query on the same origin. A close call
// between two entries matches neither.
func (s LLMSelector) match(choice string, shortlist []string) (string, bool) {
	key := CanonicalKey(choice)
	for _, candidate := range shortlist {
		if candidate == choice || (key != "" && CanonicalKey(candidate) == key) {
			return candidate, true
		}
	}
	if key == "" {
		return "", false
	}
	origin, target := splitOrigin(key)
	threshold := s.MatchThreshold
	if threshold <= 0 {
		threshold = defaultMatchThreshold
	}
	best, bestScore, runnerUp := "", 0.0, 0.0
	for _, candidate := range shortlist {
		candidateOrigin, candidateTarget := splitOrigin(CanonicalKey(candidate))
		if candidateOrigin == "" || candidateOrigin != origin {
			continue
		}
		score := matchr.JaroWinkler(target, candidateTarget, false)
		switch {
		case score > bestScore:
			best, bestScore, runnerUp = candidate, score, bestScore
		case score > runnerUp:
			runnerUp = score
		}
	}
	if bestScore >= threshold && bestScore-runnerUp >= minMatchGap {
		return best, true
	}
	return "", false
}

// splitOrigin splits a canonical URL into scheme://host and path?query.
func splitOrigin(key string) (string, string) {
	u, err := url.Parse(key)
	if err != nil || u.Host == "" {
		return "", ""
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return u.Scheme + "://" + u.Host, target
}

func selectionPrompt(req SelectRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "We are researching %q and still need: %s.\n", req.Subject, strings.Join(req.Missing, ", "))
	b.WriteString("Which one of these pages is most likely to contain that information?\n")
	for _, u := range req.Shortlist {
		b.WriteString("- ")
		b.WriteString(u)
		b.WriteByte('\n')
	}
	b.WriteString(`Answer with only a JSON object of the form {"url": "<one url from the list>"}.`)
	return b.String()
}
