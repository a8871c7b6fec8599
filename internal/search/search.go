// Package search collects result links from a search engine results page.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"venuescout/internal/config"
	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
)

var tracer = otel.Tracer("venuescout/internal/search")

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("search: empty query")

// Engine runs queries through a browser session.
type Engine struct {
	scraper  *crawler.Scraper
	template string
	selector string
	n        int
	denylist crawler.Denylist
	cache    *expirable.LRU[string, []string]
	logger   *slog.Logger
}

// NewEngine builds an Engine from the search section of the config.
func NewEngine(cfg config.SearchConfig, scraper *crawler.Scraper, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		scraper:  scraper,
		template: cfg.URLTemplate,
		selector: cfg.ResultSelector,
		n:        cfg.NumResults,
		denylist: crawler.NewDenylist(cfg.Denylist),
		logger:   logger,
	}
	if e.template == "" {
		e.template = "https://www.google.com/search?q=%s"
	}
	if e.selector == "" {
		e.selector = "#search .g a"
	}
	if e.n <= 0 {
		e.n = 3
	}
	if cfg.CacheSize > 0 {
		e.cache = expirable.NewLRU[string, []string](cfg.CacheSize, nil, cfg.CacheTTL.Or(30*time.Minute))
	}
	return e
}

// ResultsURL renders the results page URL for query.
func (e *Engine) ResultsURL(query string) string {
	return fmt.Sprintf(e.template, url.QueryEscape(query))
}

// Search returns up to n allowed result links for query, in page order. n <= 0
// uses the configured default. A results page that cannot be loaded is an
// error; a page with no usable results is not.
func (e *Engine) Search(ctx context.Context, browser fetcher.Browser, query string, n int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if n <= 0 {
		n = e.n
	}
	key := strings.ToLower(query)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return first(cached, n), nil
		}
	}

	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()
	span.SetAttributes(attribute.String("query", query))

	target := e.ResultsURL(query)
	doc, page, err := e.scraper.LoadDocument(ctx, browser, target, "")
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	var results []string
	for _, link := range crawler.LinksIn(doc.Find(e.selector), page.BaseURL()) {
		if e.denylist.Allowed(link.Href) {
			results = append(results, link.Href)
		}
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	e.logger.Debug("search results", "query", query, "results", len(results))
	if e.cache != nil && len(results) > 0 {
		e.cache.Add(key, results)
	}
	return first(results, n), nil
}

// First returns the top result for query, or "" when there is none.
func (e *Engine) First(ctx context.Context, browser fetcher.Browser, query string) (string, error) {
	results, err := e.Search(ctx, browser, query, 1)
	if err != nil || len(results) == 0 {
		return "", err
	}
	return results[0], nil
}

func first(results []string, n int) []string {
	if len(results) > n {
		results = results[:n]
	}
	out := make([]string, len(results))
	copy(out, results)
	return out
}
