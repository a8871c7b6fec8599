// Package research runs per-subject research: every attribute in the
// subject's catalogue is looked up by its strategy and written to the store
// as soon as it is known.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"venuescout/internal/config"
	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/processor"
	"venuescout/internal/robots"
	"venuescout/internal/search"
	"venuescout/internal/storage"
	"venuescout/pkg/types"
)

var tracer = otel.Tracer("venuescout/internal/research")

// Store is the part of the document store research writes to.
type Store interface {
	Upsert(ctx context.Context, collection, name string, set, onInsert map[string]any) error
	SavePage(ctx context.Context, page storage.PageRecord) error
}

// TaskReport is the outcome for one attribute. Ran is false when the
// attribute's task never started (cancellation or a stopped worker).
type TaskReport struct {
	Attribute string      `json:"attribute"`
	Ran       bool        `json:"ran"`
	Outcome   llm.Outcome `json:"outcome"`
}

// Report summarises one research run.
type Report struct {
	Subject    types.Subject        `json:"subject"`
	Collection string               `json:"collection"`
	Tasks      []TaskReport         `json:"tasks"`
	Sources    []types.SourceRecord `json:"sources"`
}

// Found lists the attributes that were found, in catalogue order.
func (r *Report) Found() []string {
	var out []string
	for _, t := range r.Tasks {
		if t.Outcome.Status == llm.Found {
			out = append(out, t.Attribute)
		}
	}
	return out
}

// Task returns the report for attribute key.
func (r *Report) Task(key string) (TaskReport, bool) {
	for _, t := range r.Tasks {
		if t.Attribute == key {
			return t, true
		}
	}
	return TaskReport{}, false
}

// SourceLog is the append-only list of field sources shared by the workers
// of one run.
type SourceLog struct {
	mu      sync.Mutex
	records []types.SourceRecord
}

// Append adds records.
func (l *SourceLog) Append(records ...types.SourceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
}

// Snapshot returns a copy of the log.
func (l *SourceLog) Snapshot() []types.SourceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.SourceRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Options tunes a Researcher.
type Options struct {
	Workers        int
	MaxPromptWords int
	MaxPageVisits  int
	TokenBudget    int
	Collections    config.CollectionsConfig
}

// Deps are the collaborators a Researcher drives.
type Deps struct {
	Factory   fetcher.Factory
	Client    llm.Client
	Store     Store
	Search    *search.Engine
	Scraper   *crawler.Scraper
	Traverser *crawler.Traverser
	Archive   *ConcertArchive
}

// Researcher runs research for one subject at a time. It is safe to share
// across goroutines; each Run has its own workers and browsers.
type Researcher struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New builds a Researcher.
func New(deps Deps, opts Options, logger *slog.Logger) *Researcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxPromptWords <= 0 {
		opts.MaxPromptWords = 6000
	}
	if opts.MaxPageVisits <= 0 {
		opts.MaxPageVisits = 10
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 60000
	}
	if opts.Collections.Venues == "" {
		opts.Collections.Venues = "venues_csv"
	}
	if opts.Collections.FoodHalls == "" {
		opts.Collections.FoodHalls = "foodhalls_csv"
	}
	return &Researcher{deps: deps, opts: opts, logger: logger}
}

// NewFromConfig wires a Researcher and its scraping stack from configuration.
func NewFromConfig(cfg config.Config, factory fetcher.Factory, client llm.Client, store Store, logger *slog.Logger) *Researcher {
	scraper := crawler.NewScraperFromConfig(cfg, logger)
	gate := RobotsGate(cfg, logger)
	return New(Deps{
		Factory:   factory,
		Client:    client,
		Store:     store,
		Search:    search.NewEngine(cfg.Search, scraper, logger),
		Scraper:   scraper,
		Traverser: crawler.NewTraverserFromConfig(cfg, client, scraper, gate, logger),
		Archive:   NewConcertArchive(scraper, cfg.Research.ArchiveBaseURL),
	}, Options{
		Workers:        cfg.Research.Workers,
		MaxPromptWords: cfg.Research.MaxPromptWords,
		MaxPageVisits:  cfg.Traversal.MaxPageVisits,
		TokenBudget:    cfg.Traversal.TokenBudget,
		Collections:    cfg.Collections,
	}, logger)
}

// RobotsGate returns a robots.txt checker when the configuration asks for
// one, and nil otherwise.
func RobotsGate(cfg config.Config, logger *slog.Logger) crawler.RobotsChecker {
	if !cfg.Robots.Respect {
		return nil
	}
	return robots.NewAgent(cfg.Robots, &http.Client{Timeout: cfg.Crawl.RequestTimeout.Or(20 * time.Second)}, logger)
}

// Collection returns the collection that stores subjects of kind.
func (r *Researcher) Collection(kind types.SubjectKind) string {
	if kind == types.KindFoodHall {
		return r.opts.Collections.FoodHalls
	}
	return r.opts.Collections.Venues
}

type task struct {
	strategy Strategy
	attrs    []Attribute
}

type run struct {
	subject    types.Subject
	collection string
	sources    *SourceLog
	reports    []TaskReport
	index      map[string]int
	logger     *slog.Logger
}

// Run researches subject. Workers split the catalogue into contiguous
// slices and run their slice in order; attributes marked Last run once all
// workers are done. Task failures are recorded in the report. A store write
// failure stops that worker and is returned, alongside the report.
func (r *Researcher) Run(ctx context.Context, subject types.Subject) (*Report, error) {
	attrs := Catalogue(subject.Kind)
	if attrs == nil {
		return nil, fmt.Errorf("research: unknown subject kind %q", subject.Kind)
	}
	subject.Name = NormaliseName(subject.Kind, subject.Name)
	if subject.Name == "" {
		return nil, errors.New("research: subject name is empty")
	}

	ctx, span := tracer.Start(ctx, "Research")
	defer span.End()
	span.SetAttributes(
		attribute.String("subject", subject.Name),
		attribute.String("kind", string(subject.Kind)),
	)

	st := &run{
		subject:    subject,
		collection: r.Collection(subject.Kind),
		sources:    &SourceLog{},
		reports:    make([]TaskReport, len(attrs)),
		index:      make(map[string]int, len(attrs)),
		logger:     r.logger.With("subject", subject.Name, "kind", subject.Kind),
	}
	for i, a := range attrs {
		st.reports[i] = TaskReport{Attribute: a.Key}
		st.index[a.Key] = i
	}

	parallel, last := plan(attrs)
	st.logger.Info("research started", "tasks", len(parallel)+len(last), "workers", min(r.opts.Workers, len(parallel)))
	err := r.runWorkers(ctx, st, parallel, r.opts.Workers)
	if ctx.Err() == nil {
		err = errors.Join(err, r.runWorkers(ctx, st, last, 1))
	}
	if ctx.Err() != nil {
		err = errors.Join(err, ctx.Err())
	}

	report := &Report{
		Subject:    subject,
		Collection: st.collection,
		Tasks:      st.reports,
		Sources:    st.sources.Snapshot(),
	}
	st.logger.Info("research finished", "found", report.Found(), "error", err)
	return report, err
}

// plan turns the catalogue into tasks. Site attributes share one traversal
// task, placed where the first of them appears.
func plan(attrs []Attribute) (parallel, last []task) {
	siteAt := -1
	for _, a := range attrs {
		switch {
		case a.Last:
			last = append(last, task{strategy: a.Strategy, attrs: []Attribute{a}})
		case a.Strategy == StrategySite:
			if siteAt < 0 {
				siteAt = len(parallel)
				parallel = append(parallel, task{strategy: StrategySite})
			}
			parallel[siteAt].attrs = append(parallel[siteAt].attrs, a)
		default:
			parallel = append(parallel, task{strategy: a.Strategy, attrs: []Attribute{a}})
		}
	}
	return parallel, last
}

// partition splits n items into w contiguous slices whose sizes differ by at most one.
func partition(n, w int) [][2]int {
	if n == 0 || w <= 0 {
		return nil
	}
	w = min(w, n)
	out := make([][2]int, 0, w)
	for i := 0; i < w; i++ {
		out = append(out, [2]int{i * n / w, (i + 1) * n / w})
	}
	return out
}

func (r *Researcher) runWorkers(ctx context.Context, st *run, tasks []task, workers int) error {
	var g errgroup.Group
	for id, bounds := range partition(len(tasks), workers) {
		slice := tasks[bounds[0]:bounds[1]]
		g.Go(func() error {
			return r.work(ctx, st, id, slice)
		})
	}
	return g.Wait()
}

func (r *Researcher) work(ctx context.Context, st *run, id int, tasks []task) error {
	logger := st.logger.With("worker", id)
	browser, err := r.deps.Factory.NewBrowser(ctx)
	if err != nil {
		for _, t := range tasks {
			r.record(st, t, llm.FailedOutcome("browser: "+err.Error()))
		}
		return fmt.Errorf("worker %d: start browser: %w", id, err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			logger.Warn("close browser", "error", cerr)
		}
	}()

	for _, t := range tasks {
		if ctx.Err() != nil {
			return nil
		}
		fields := r.runTask(ctx, browser, st, t, logger)
		set := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			set[k] = v
		}
		set["sources"] = st.sources.Snapshot()
		onInsert := map[string]any{"article_source": st.subject.Source}
		if err := r.deps.Store.Upsert(ctx, st.collection, st.subject.Name, set, onInsert); err != nil {
			logger.Error("store write failed, stopping worker", "error", err)
			return fmt.Errorf("worker %d: %w", id, err)
		}
	}
	return nil
}

// record stores the same outcome for every attribute of t.
func (r *Researcher) record(st *run, t task, o llm.Outcome) {
	for _, a := range t.attrs {
		st.reports[st.index[a.Key]] = TaskReport{Attribute: a.Key, Ran: true, Outcome: o}
	}
}

func (r *Researcher) runTask(ctx context.Context, browser fetcher.Browser, st *run, t task, logger *slog.Logger) map[string]any {
	keys := make([]string, 0, len(t.attrs))
	for _, a := range t.attrs {
		keys = append(keys, a.Key)
	}
	ctx, span := tracer.Start(ctx, "ResearchTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("strategy", string(t.strategy)),
		attribute.StringSlice("attributes", keys),
	)

	var fields map[string]any
	switch t.strategy {
	case StrategySearch:
		fields = r.searchTask(ctx, browser, st, t.attrs[0])
	case StrategySite:
		fields = r.siteTask(ctx, browser, st, t.attrs)
	case StrategyConcertArchive:
		fields = r.archiveTask(ctx, browser, st, t.attrs[0])
	default:
		r.record(st, t, llm.FailedOutcome("unknown strategy "+string(t.strategy)))
	}
	for _, k := range keys {
		rep := st.reports[st.index[k]]
		switch rep.Outcome.Status {
		case llm.Failed:
			logger.Warn("attribute failed", "attribute", k, "reason", rep.Outcome.Reason)
		case llm.NotFound:
			logger.Info("attribute not found", "attribute", k)
		default:
			logger.Info("attribute found", "attribute", k, "source", rep.Outcome.Source)
		}
	}
	return fields
}

func (r *Researcher) searchTask(ctx context.Context, browser fetcher.Browser, st *run, a Attribute) map[string]any {
	t := task{strategy: StrategySearch, attrs: []Attribute{a}}
	link, err := r.deps.Search.First(ctx, browser, st.subject.Name+" "+a.Query)
	if err != nil {
		r.record(st, t, llm.FailedOutcome(err.Error()))
		return nil
	}
	if link == "" {
		r.record(st, t, llm.Outcome{Status: llm.NotFound})
		return nil
	}

	text := processor.Truncate(r.deps.Scraper.ScrapeText(ctx, browser, link), r.opts.MaxPromptWords)
	prompt := a.PromptFor(st.subject.Name) + "\n\nHere is the web content:\n" + text + "\n\n" + a.Format
	reply, err := llm.Ask(ctx, r.deps.Client, a.Instruction, prompt)
	if err != nil {
		r.record(st, t, llm.Outcome{Status: llm.Failed, Reason: err.Error(), Source: link})
		return nil
	}
	parsed, err := llm.ParseReply(reply)
	if err != nil {
		r.record(st, t, llm.Outcome{Status: llm.Failed, Reason: err.Error(), Source: link})
		return nil
	}
	fields := keep(parsed, a.StoredFields())
	if len(fields) == 0 {
		r.record(st, t, llm.Outcome{Status: llm.NotFound, Source: link})
		return nil
	}
	st.sources.Append(types.SourceRecord{Source: link, Label: a.Label})
	r.record(st, t, llm.Outcome{Status: llm.Found, Value: fields, Source: link})
	return fields
}

func (r *Researcher) siteTask(ctx context.Context, browser fetcher.Browser, st *run, attrs []Attribute) map[string]any {
	t := task{strategy: StrategySite, attrs: attrs}
	home, err := r.deps.Search.First(ctx, browser, st.subject.Name)
	if err != nil {
		r.record(st, t, llm.FailedOutcome(err.Error()))
		return nil
	}
	if home == "" {
		r.record(st, t, llm.Outcome{Status: llm.NotFound})
		return nil
	}

	facts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		facts = append(facts, a.Key)
	}
	res, err := r.deps.Traverser.Traverse(ctx, browser, crawler.TraverseRequest{
		StartURL:      home,
		Subject:       st.subject.Name,
		Facts:         facts,
		MaxPageVisits: r.opts.MaxPageVisits,
		TokenBudget:   r.opts.TokenBudget,
	})
	if err != nil {
		r.record(st, t, llm.Outcome{Status: llm.Failed, Reason: err.Error(), Source: home})
		return nil
	}
	for _, pageURL := range res.Visited {
		text := res.Pages[pageURL]
		if strings.TrimSpace(text) == "" {
			continue
		}
		rec := storage.PageRecord{Collection: st.collection, Name: st.subject.Name, URL: pageURL, Text: text}
		if err := r.deps.Store.SavePage(ctx, rec); err != nil {
			st.logger.Warn("archive page failed", "url", pageURL, "error", err)
		}
	}

	fields := make(map[string]any)
	for _, a := range attrs {
		o := res.Facts[a.Key]
		st.reports[st.index[a.Key]] = TaskReport{Attribute: a.Key, Ran: true, Outcome: o}
		if o.Status == llm.Found {
			fields[a.Key] = o.Value
			st.sources.Append(types.SourceRecord{Source: o.Source, Label: a.Label})
		}
	}
	return fields
}

func (r *Researcher) archiveTask(ctx context.Context, browser fetcher.Browser, st *run, a Attribute) map[string]any {
	t := task{strategy: StrategyConcertArchive, attrs: []Attribute{a}}
	counts, venueURL, err := r.deps.Archive.YearlyShows(ctx, browser, st.subject.Name)
	if err != nil {
		r.record(st, t, llm.Outcome{Status: llm.Failed, Reason: err.Error(), Source: venueURL})
		return nil
	}
	if len(counts) == 0 {
		r.record(st, t, llm.Outcome{Status: llm.NotFound, Source: venueURL})
		return nil
	}
	st.sources.Append(types.SourceRecord{Source: venueURL, Label: a.Label})
	r.record(st, t, llm.Outcome{Status: llm.Found, Value: counts, Source: venueURL})
	return counts
}

// keep returns the wanted keys of parsed that hold real values.
func keep(parsed map[string]any, wanted []string) map[string]any {
	out := make(map[string]any, len(wanted))
	for _, k := range wanted {
		if v, ok := parsed[k]; ok && llm.Present(v) {
			out[k] = v
		}
	}
	return out
}
