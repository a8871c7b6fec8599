package crawler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"venuescout/internal/config"
	"venuescout/internal/fetcher"
	"venuescout/internal/processor"
	"venuescout/pkg/types"
)

// Scraper loads pages through a browser session and reads their text and links.
type Scraper struct {
	extractor    *processor.TextExtractor
	textSettle   time.Duration
	linkSettle   time.Duration
	waitSelector string
	logger       *slog.Logger
}

// ScraperOptions configures a Scraper.
type ScraperOptions struct {
	// TextSettle is the pause after navigation before reading page text.
	TextSettle time.Duration
	// LinkSettle is the longer pause used when only links are wanted, for
	// pages that build their navigation late.
	LinkSettle   time.Duration
	WaitSelector string
}

// NewScraper constructs a Scraper.
func NewScraper(extractor *processor.TextExtractor, opts ScraperOptions, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		extractor:    extractor,
		textSettle:   opts.TextSettle,
		linkSettle:   opts.LinkSettle,
		waitSelector: opts.WaitSelector,
		logger:       logger,
	}
}

// NewScraperFromConfig builds a Scraper from the browser and preprocess settings.
func NewScraperFromConfig(cfg config.Config, logger *slog.Logger) *Scraper {
	return NewScraper(processor.NewTextExtractor(cfg.Preprocess), ScraperOptions{
		TextSettle:   cfg.Browser.SettleDelay.Duration,
		LinkSettle:   cfg.Browser.LinkSettleDelay.Duration,
		WaitSelector: cfg.Browser.WaitForSelector,
	}, logger)
}

// Snapshot is what one page load yields.
type Snapshot struct {
	URL   string
	Text  string
	Links []types.Link
}

// Load opens rawURL and reads both its text and its links.
func (s *Scraper) Load(ctx context.Context, browser fetcher.Browser, rawURL string) (Snapshot, error) {
	page, err := s.load(ctx, browser, rawURL, s.textSettle)
	if err != nil {
		return Snapshot{URL: rawURL}, err
	}
	snap := Snapshot{URL: rawURL, Links: ExtractLinks(page)}
	text, err := s.extractor.Extract(page)
	if err != nil {
		return snap, fmt.Errorf("extract text %s: %w", rawURL, err)
	}
	snap.Text = text
	return snap, nil
}

// CollectLinks returns every anchor on rawURL. It never fails: load errors
// are logged and yield whatever was collected, possibly nothing.
func (s *Scraper) CollectLinks(ctx context.Context, browser fetcher.Browser, rawURL string) []types.Link {
	page, err := s.load(ctx, browser, rawURL, s.linkSettle)
	if err != nil {
		s.logger.Warn("collect links failed", "url", rawURL, "error", err)
		return nil
	}
	return ExtractLinks(page)
}

// ScrapeText returns the readable text of rawURL, or "" with the error logged.
func (s *Scraper) ScrapeText(ctx context.Context, browser fetcher.Browser, rawURL string) string {
	snap, err := s.Load(ctx, browser, rawURL)
	if err != nil {
		s.logger.Warn("scrape text failed", "url", rawURL, "error", err)
	}
	return snap.Text
}

// LoadDocument opens rawURL and parses it for callers that query the DOM directly.
func (s *Scraper) LoadDocument(ctx context.Context, browser fetcher.Browser, rawURL, waitSelector string) (*goquery.Document, *types.Page, error) {
	req, err := fetcher.NewLoadRequest(rawURL, s.textSettle)
	if err != nil {
		return nil, nil, err
	}
	req.WaitSelector = waitSelector
	page, err := browser.Load(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, page, fmt.Errorf("parse html: %w", err)
	}
	return doc, page, nil
}

func (s *Scraper) load(ctx context.Context, browser fetcher.Browser, rawURL string, settle time.Duration) (*types.Page, error) {
	req, err := fetcher.NewLoadRequest(rawURL, settle)
	if err != nil {
		return nil, err
	}
	req.WaitSelector = s.waitSelector
	return browser.Load(ctx, req)
}

// ExtractLinks reads a[href] anchors from a loaded page, resolved against
// the page URL, with fragments stripped and script/mail/phone links skipped.
// Duplicate targets keep their first label.
func ExtractLinks(page *types.Page) []types.Link {
	base := page.BaseURL()
	if base == nil || len(page.Body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil
	}
	return LinksIn(doc.Find("a[href]"), base)
}

// LinksIn reads the anchors in sel the same way ExtractLinks does.
func LinksIn(sel *goquery.Selection, base *url.URL) []types.Link {
	seen := make(map[string]struct{})
	var links []types.Link
	sel.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		u.Fragment = ""
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		abs := u.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, types.Link{
			Label: strings.Join(strings.Fields(s.Text()), " "),
			Href:  abs,
		})
	})
	return links
}
