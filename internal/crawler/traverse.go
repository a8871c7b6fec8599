package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"venuescout/internal/config"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/processor"
)

var tracer = otel.Tracer("venuescout/internal/crawler")

// StopReason says why a traversal ended.
type StopReason string

const (
	StopFactsFound        StopReason = "facts_found"
	StopFrontierExhausted StopReason = "frontier_exhausted"
	StopNoCandidates      StopReason = "no_candidates"
	StopMaxPages          StopReason = "max_pages"
	StopTokenBudget       StopReason = "token_budget"
	StopCancelled         StopReason = "cancelled"
)

// RobotsChecker gates URLs by robots.txt.
type RobotsChecker interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// TraverseRequest describes one bounded walk of a site.
type TraverseRequest struct {
	StartURL string
	// Subject is the name of the place being researched, used in prompts.
	Subject       string
	Facts         []string
	MaxPageVisits int
	TokenBudget   int
}

// TraverseResult is everything a traversal produced.
type TraverseResult struct {
	Conversation *llm.Conversation
	Visited      []string
	Pages        map[string]string
	Facts        llm.FactSet
	TokensUsed   int
	StopReason   StopReason
}

// TraverserOptions tunes chunking and candidate selection.
type TraverserOptions struct {
	ChunkWords       int
	MaxChunksPerPage int
	ShortlistSize    int
	// SameDomainOnly restricts candidates to the start URL's domain. A
	// selector implementing DomainScoped can turn this on for itself.
	SameDomainOnly bool
	MaxMessages    int
}

// Traverser walks a site page by page, feeding summaries into an LLM
// conversation until the requested facts are found or a limit is hit.
type Traverser struct {
	client   llm.Client
	scraper  *Scraper
	selector LinkSelector
	denylist Denylist
	robots   RobotsChecker
	opts     TraverserOptions
	logger   *slog.Logger
}

// NewTraverser builds a Traverser. robots may be nil.
func NewTraverser(client llm.Client, scraper *Scraper, selector LinkSelector, denylist Denylist, robots RobotsChecker, opts TraverserOptions, logger *slog.Logger) *Traverser {
	if logger == nil {
		logger = slog.Default()
	}
	if selector == nil {
		selector = HeuristicSelector{}
	}
	if opts.ChunkWords <= 0 {
		opts.ChunkWords = 1500
	}
	if opts.MaxChunksPerPage <= 0 {
		opts.MaxChunksPerPage = 1
	}
	if opts.ShortlistSize <= 0 {
		opts.ShortlistSize = 40
	}
	return &Traverser{
		client:   client,
		scraper:  scraper,
		selector: selector,
		denylist: denylist,
		robots:   robots,
		opts:     opts,
		logger:   logger,
	}
}

// NewTraverserFromConfig wires a Traverser from configuration.
func NewTraverserFromConfig(cfg config.Config, client llm.Client, scraper *Scraper, robots RobotsChecker, logger *slog.Logger) *Traverser {
	var selector LinkSelector = HeuristicSelector{}
	if cfg.Traversal.Selector == "llm" {
		selector = LLMSelector{Client: client}
	}
	return NewTraverser(client, scraper, selector, NewDenylist(cfg.Search.Denylist), robots, TraverserOptions{
		ChunkWords:       cfg.Traversal.ChunkWords,
		MaxChunksPerPage: cfg.Traversal.MaxChunksPerPage,
		ShortlistSize:    cfg.Traversal.ShortlistSize,
		SameDomainOnly:   cfg.Traversal.SameDomainOnly,
		MaxMessages:      cfg.LLM.MaxMessages,
	}, logger)
}

// Traverse runs the walk. The start page's links, collected after the longer
// link settle, seed the frontier; the start page itself is the first visit.
// Each later iteration shortlists unvisited, allowed frontier URLs, lets
// the selector choose one, reads it in chunks and merges its links. A selection that cannot be visited still uses up one of the
// MaxPageVisits attempts, so the loop always terminates.
//
// Only an invalid request returns an error. Page and LLM failures are logged
// and the walk carries on.
func (t *Traverser) Traverse(ctx context.Context, browser fetcher.Browser, req TraverseRequest) (*TraverseResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Traverse")
	defer span.End()
	span.SetAttributes(
		attribute.String("start_url", req.StartURL),
		attribute.Int("max_page_visits", req.MaxPageVisits),
		attribute.Int("token_budget", req.TokenBudget),
	)

	logger := t.logger.With("start_url", req.StartURL, "subject", req.Subject)
	budget := &Budget{Limit: req.TokenBudget}
	sameDomain := t.sameDomain()
	frontier := NewFrontier()
	frontier.Add(req.StartURL)
	seeded := t.seed(ctx, browser, frontier, req.StartURL, sameDomain)
	logger.Debug("frontier seeded", "links", seeded)

	result := &TraverseResult{
		Conversation: llm.NewConversation(systemInstruction(req), t.opts.MaxMessages),
		Pages:        make(map[string]string),
		Facts:        make(llm.FactSet, len(req.Facts)),
	}
	for _, f := range req.Facts {
		result.Facts[f] = llm.Outcome{Status: llm.NotFound}
	}

	preamble := fmt.Sprintf("I will send you notes from pages of the website %s, one page at a time. Acknowledge briefly.", req.StartURL)
	if reply, err := llm.Aggregate(ctx, t.client, result.Conversation, preamble); err != nil {
		logger.Warn("traversal preamble failed", "error", err)
		budget.Add(processor.WordCount(preamble))
	} else {
		budget.Add(processor.WordCount(preamble) + processor.WordCount(reply))
	}

	attempts := 0
	stop := StopFrontierExhausted
loop:
	for {
		switch {
		case ctx.Err() != nil:
			stop = StopCancelled
			break loop
		case frontier.Len() == 0:
			stop = StopFrontierExhausted
			break loop
		case attempts >= req.MaxPageVisits:
			stop = StopMaxPages
			break loop
		case budget.Exhausted():
			stop = StopTokenBudget
			break loop
		}

		shortlist := t.shortlist(ctx, frontier, req.StartURL, sameDomain)
		if len(shortlist) == 0 {
			stop = StopNoCandidates
			break
		}

		missing := result.Facts.Missing(req.Facts)
		if budget.Exhausted() {
			stop = StopTokenBudget
			break
		}
		var choice Selection
		if attempts == 0 && shortlist[0] == req.StartURL {
			// the start page is read before any link is chosen
			choice = Selection{URL: req.StartURL}
		} else {
			choice = t.selector.Select(ctx, SelectRequest{
				Subject:      req.Subject,
				Missing:      missing,
				Shortlist:    shortlist,
				Visited:      frontier.Visited,
				Conversation: result.Conversation,
			})
		}
		budget.Add(choice.Words)
		if choice.Fallback {
			logger.Debug("link selection fell back to first candidate", "url", choice.URL)
		}

		attempts++
		if choice.URL == "" || frontier.Visited(choice.URL) {
			frontier.Remove(choice.URL)
			logger.Debug("skipping unusable selection", "url", choice.URL)
			continue
		}

		snap, err := t.scraper.Load(ctx, browser, choice.URL)
		if err != nil {
			logger.Warn("page load failed", "url", choice.URL, "error", err)
		}
		frontier.MarkVisited(choice.URL)
		result.Pages[choice.URL] = snap.Text

		if halted := t.readPage(ctx, req, choice.URL, snap.Text, missing, budget, result, logger); halted {
			stop = StopTokenBudget
			t.merge(frontier, snap)
			break
		}
		t.merge(frontier, snap)

		if len(result.Facts.Missing(req.Facts)) == 0 {
			stop = StopFactsFound
			break
		}
	}

	result.Visited = frontier.Visits()
	result.TokensUsed = budget.Used
	result.StopReason = stop
	span.SetAttributes(
		attribute.Int("visited", len(result.Visited)),
		attribute.String("stop_reason", string(stop)),
	)
	logger.Info("traversal finished",
		"visited", len(result.Visited),
		"found", result.Facts.FoundNames(),
		"tokens", budget.Used,
		"stop_reason", stop,
	)
	return result, nil
}

func validate(req TraverseRequest) error {
	if CanonicalKey(req.StartURL) == "" {
		return fmt.Errorf("traverse: start url %q is not an absolute http(s) url", req.StartURL)
	}
	if len(req.Facts) == 0 {
		return errors.New("traverse: no facts requested")
	}
	if req.MaxPageVisits <= 0 {
		return fmt.Errorf("traverse: max page visits must be > 0 (got %d)", req.MaxPageVisits)
	}
	if req.TokenBudget <= 0 {
		return fmt.Errorf("traverse: token budget must be > 0 (got %d)", req.TokenBudget)
	}
	return nil
}

func (t *Traverser) sameDomain() bool {
	if scoped, ok := t.selector.(DomainScoped); ok && scoped.SameDomainOnly() {
		return true
	}
	return t.opts.SameDomainOnly
}

// seed adds the allowed links of startURL to the frontier and returns how
// many were new.
func (t *Traverser) seed(ctx context.Context, browser fetcher.Browser, frontier *Frontier, startURL string, sameDomain bool) int {
	links := t.scraper.CollectLinks(ctx, browser, startURL)
	if sameDomain {
		links = FilterSameDomain(startURL, links)
	}
	hrefs := make([]string, 0, len(links))
	for _, l := range links {
		hrefs = append(hrefs, l.Href)
	}
	added := 0
	for _, href := range t.denylist.Filter(hrefs) {
		if frontier.Add(href) {
			added++
		}
	}
	return added
}

func (t *Traverser) shortlist(ctx context.Context, frontier *Frontier, startURL string, sameDomain bool) []string {
	var out []string
	for _, candidate := range frontier.Pending() {
		if len(out) >= t.opts.ShortlistSize {
			break
		}
		if frontier.Visited(candidate) || !t.denylist.Allowed(candidate) {
			frontier.Remove(candidate)
			continue
		}
		if sameDomain && !SameDomain(startURL, candidate) {
			frontier.Remove(candidate)
			continue
		}
		if t.robots != nil {
			if u, err := url.Parse(candidate); err != nil || !t.robots.Allowed(ctx, u) {
				frontier.Remove(candidate)
				continue
			}
		}
		out = append(out, candidate)
	}
	return out
}

// readPage summarises text chunk by chunk and extracts facts from each
// summary. It reports true when the token budget ran out mid-page.
func (t *Traverser) readPage(ctx context.Context, req TraverseRequest, pageURL, text string, missing []string, budget *Budget, result *TraverseResult, logger *slog.Logger) bool {
	chunks := processor.Chunk(text, t.opts.ChunkWords)
	if len(chunks) > t.opts.MaxChunksPerPage {
		chunks = chunks[:t.opts.MaxChunksPerPage]
	}
	for i, chunk := range chunks {
		if budget.Exhausted() {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		summary, err := llm.Ask(ctx, t.client, summaryInstruction, summaryPrompt(req.Subject, missing, pageURL, chunk))
		budget.Add(processor.WordCount(chunk) + processor.WordCount(summary))
		if err != nil {
			logger.Warn("chunk summary failed", "url", pageURL, "chunk", i, "error", err)
			continue
		}
		result.Conversation.Append(llm.RoleUser, fmt.Sprintf("Notes from %s (part %d):\n%s", pageURL, i+1, summary))

		stillMissing := result.Facts.Missing(req.Facts)
		if len(stillMissing) == 0 {
			return false
		}
		found := llm.ExtractFacts(ctx, t.client, summary, stillMissing)
		budget.Add(processor.WordCount(summary))
		for name, outcome := range found {
			switch outcome.Status {
			case llm.Found:
				outcome.Source = pageURL
				result.Facts[name] = outcome
			case llm.Failed:
				logger.Debug("fact extraction failed", "url", pageURL, "fact", name, "reason", outcome.Reason)
			}
		}
	}
	return false
}

func (t *Traverser) merge(frontier *Frontier, snap Snapshot) {
	for _, link := range snap.Links {
		if link.Href == snap.URL {
			continue
		}
		frontier.Add(link.Href)
	}
}

const summaryInstruction = "You condense web page text into short factual notes. Keep every number, name and place. Drop navigation, legal text and marketing filler."

func systemInstruction(req TraverseRequest) string {
	return fmt.Sprintf("You are helping research %q. We are looking for these facts: %s. "+
		"You will receive notes from web pages and help decide which page to read next.",
		req.Subject, strings.Join(req.Facts, ", "))
}

func summaryPrompt(subject string, missing []string, pageURL, chunk string) string {
	return fmt.Sprintf("Page %s, researching %q. Focus on anything about: %s.\n\n%s",
		pageURL, subject, strings.Join(missing, ", "), chunk)
}

// Budget is a word-count stand-in for LLM token usage.
type Budget struct {
	Limit int
	Used  int
}

// Add records n more words.
func (b *Budget) Add(n int) {
	if n > 0 {
		b.Used += n
	}
}

// Exhausted reports whether usage has reached the limit.
func (b *Budget) Exhausted() bool {
	return b.Used >= b.Limit
}
