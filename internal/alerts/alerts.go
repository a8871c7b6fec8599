// Package alerts turns news alerts into food hall research leads: it reads
// alert feeds and a news results page, then asks the LLM which food halls
// each article reports as new.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"venuescout/internal/config"
	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/processor"
	"venuescout/internal/search"
	"venuescout/pkg/types"
)

var tracer = otel.Tracer("venuescout/internal/alerts")

// ErrNoSources is returned when neither feeds nor a results page are configured.
var ErrNoSources = errors.New("alerts: no feeds or results page configured")

// Options tunes an Intake.
type Options struct {
	Feeds          []string
	Query          string
	MaxArticles    int
	MaxAge         time.Duration
	MaxPromptWords int
	Workers        int
}

// Intake finds food halls mentioned in today's alert articles.
type Intake struct {
	factory  fetcher.Factory
	scraper  *crawler.Scraper
	engine   *search.Engine
	parser   *gofeed.Parser
	client   llm.Client
	denylist crawler.Denylist
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
}

// New builds an Intake. engine may be nil to read feeds only.
func New(factory fetcher.Factory, scraper *crawler.Scraper, engine *search.Engine, client llm.Client, denylist crawler.Denylist, httpClient *http.Client, opts Options, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxArticles <= 0 {
		opts.MaxArticles = 10
	}
	if opts.MaxPromptWords <= 0 {
		opts.MaxPromptWords = 6000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if strings.TrimSpace(opts.Query) == "" {
		opts.Query = "new food hall"
	}
	parser := gofeed.NewParser()
	parser.Client = httpClient
	return &Intake{
		factory:  factory,
		scraper:  scraper,
		engine:   engine,
		parser:   parser,
		client:   client,
		denylist: denylist,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// NewFromConfig wires an Intake from configuration. The results page goes
// through the same scraper as search, uncached so every run sees the latest
// news.
func NewFromConfig(cfg config.Config, factory fetcher.Factory, client llm.Client, logger *slog.Logger) *Intake {
	scraper := crawler.NewScraperFromConfig(cfg, logger)
	var engine *search.Engine
	if cfg.Alerts.PageURL != "" {
		engine = search.NewEngine(config.SearchConfig{
			URLTemplate:    cfg.Alerts.PageURL,
			ResultSelector: cfg.Alerts.ResultSelector,
			NumResults:     max(cfg.Alerts.MaxArticles, 1),
			Denylist:       cfg.Search.Denylist,
		}, scraper, logger)
	}
	httpClient := &http.Client{Timeout: cfg.Crawl.RequestTimeout.Or(20 * time.Second)}
	intake := New(factory, scraper, engine, client, crawler.NewDenylist(cfg.Search.Denylist), httpClient, Options{
		Feeds:          cfg.Alerts.Feeds,
		Query:          cfg.Alerts.Query,
		MaxArticles:    cfg.Alerts.MaxArticles,
		MaxAge:         cfg.Alerts.MaxAge.Duration,
		MaxPromptWords: cfg.Research.MaxPromptWords,
		Workers:        cfg.Alerts.Workers,
	}, logger)
	intake.parser.UserAgent = cfg.Crawl.UserAgent
	return intake
}

// Discover returns one food hall subject per hall named in the alert
// articles, with the article as its source. A hall named by several
// articles keeps the first. Articles that cannot be read are skipped.
func (in *Intake) Discover(ctx context.Context) ([]types.Subject, error) {
	if len(in.opts.Feeds) == 0 && in.engine == nil {
		return nil, ErrNoSources
	}
	ctx, span := tracer.Start(ctx, "Discover")
	defer span.End()

	browser, err := in.factory.NewBrowser(ctx)
	if err != nil {
		return nil, fmt.Errorf("alerts: start browser: %w", err)
	}
	articles, err := in.Articles(ctx, browser)
	if cerr := browser.Close(); cerr != nil {
		in.logger.Warn("close browser", "error", cerr)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("articles", len(articles)))

	halls := make([][]string, len(articles))
	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := range articles {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for id := 0; id < min(in.opts.Workers, len(articles)); id++ {
		g.Go(func() error {
			return in.work(gctx, id, articles, halls, jobs)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var subjects []types.Subject
	seen := make(map[string]struct{})
	for i, names := range halls {
		for _, name := range names {
			key := strings.ToLower(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			subjects = append(subjects, types.Subject{Kind: types.KindFoodHall, Name: name, Source: articles[i]})
		}
	}
	span.SetAttributes(attribute.Int("halls", len(subjects)))
	in.logger.Info("alerts discovered food halls", "articles", len(articles), "halls", len(subjects))
	return subjects, nil
}

func (in *Intake) work(ctx context.Context, id int, articles []string, halls [][]string, jobs <-chan int) error {
	logger := in.logger.With("worker", id)
	browser, err := in.factory.NewBrowser(ctx)
	if err != nil {
		return fmt.Errorf("alerts worker %d: start browser: %w", id, err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			logger.Warn("close browser", "error", cerr)
		}
	}()
	for i := range jobs {
		halls[i] = in.HallsIn(ctx, browser, articles[i])
	}
	return nil
}

// Articles collects today's alert article URLs: feed entries first, then
// results page links, deduplicated and capped at MaxArticles. A source that
// fails is logged and skipped; only when every source fails is the error
// returned.
func (in *Intake) Articles(ctx context.Context, browser fetcher.Browser) ([]string, error) {
	var (
		out    []string
		seen   = make(map[string]struct{})
		errs   []error
		tried  int
		failed int
	)
	add := func(raw string) {
		link := Unwrap(raw)
		key := crawler.CanonicalKey(link)
		if key == "" || !in.denylist.Allowed(link) || isGoogleHost(link) {
			return
		}
		if _, ok := seen[key]; ok || len(out) >= in.opts.MaxArticles {
			return
		}
		seen[key] = struct{}{}
		out = append(out, link)
	}

	for _, feedURL := range in.opts.Feeds {
		tried++
		links, err := in.feedLinks(ctx, feedURL)
		if err != nil {
			failed++
			errs = append(errs, err)
			in.logger.Warn("alert feed failed", "feed", feedURL, "error", err)
			continue
		}
		for _, l := range links {
			add(l)
		}
	}
	if in.engine != nil && len(out) < in.opts.MaxArticles {
		tried++
		links, err := in.engine.Search(ctx, browser, in.opts.Query, in.opts.MaxArticles)
		if err != nil {
			failed++
			errs = append(errs, err)
			in.logger.Warn("alert results page failed", "query", in.opts.Query, "error", err)
		}
		for _, l := range links {
			add(l)
		}
	}
	if tried > 0 && failed == tried {
		return nil, fmt.Errorf("alerts: every source failed: %w", errors.Join(errs...))
	}
	return out, nil
}

func (in *Intake) feedLinks(ctx context.Context, feedURL string) ([]string, error) {
	feed, err := in.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	var cutoff time.Time
	if in.opts.MaxAge > 0 {
		cutoff = in.now().Add(-in.opts.MaxAge)
	}
	var links []string
	for _, item := range feed.Items {
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if !cutoff.IsZero() && published != nil && published.Before(cutoff) {
			continue
		}
		link := strings.TrimSpace(item.Link)
		if link == "" && len(item.Links) > 0 {
			link = strings.TrimSpace(item.Links[0])
		}
		if link != "" {
			links = append(links, link)
		}
	}
	return links, nil
}

const hallsInstruction = "You read news articles and list the food halls they report as newly opened, opening soon or planned."

// HallsIn reads articleURL and returns the food hall names the LLM finds in
// it. Unreadable pages and unusable replies yield nothing.
func (in *Intake) HallsIn(ctx context.Context, browser fetcher.Browser, articleURL string) []string {
	text := in.scraper.ScrapeText(ctx, browser, articleURL)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = processor.Truncate(text, in.opts.MaxPromptWords)
	reply, err := llm.Ask(ctx, in.client, hallsInstruction, hallsPrompt(articleURL, text))
	if err != nil {
		in.logger.Warn("food hall extraction failed", "url", articleURL, "error", err)
		return nil
	}
	parsed, err := llm.ParseReply(reply)
	if err != nil {
		in.logger.Debug("food hall reply unreadable", "url", articleURL, "error", err)
		return nil
	}
	raw, _ := parsed["food_halls"].([]any)
	var names []string
	for _, v := range raw {
		name, ok := v.(string)
		if !ok {
			continue
		}
		if name = strings.Join(strings.Fields(name), " "); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func hallsPrompt(articleURL, text string) string {
	return fmt.Sprintf("Article %s:\n\n%s\n\n"+
		`List every food hall this article reports as new, opening or planned. Answer with only a JSON object of the form {"food_halls": ["<name>", ...]}; use an empty list when there are none.`,
		articleURL, text)
}

// Unwrap returns the target of a Google redirect link (/url?url=... or
// /url?q=...) and any other link unchanged.
func Unwrap(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || !isGoogleHost(raw) || u.Path != "/url" {
		return raw
	}
	q := u.Query()
	for _, key := range []string{"url", "q"} {
		if target := q.Get(key); target != "" {
			return target
		}
	}
	return raw
}

func isGoogleHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "google.com" || strings.HasPrefix(host, "www.google.") || strings.HasPrefix(host, "news.google.") || strings.HasPrefix(host, "google.")
}
