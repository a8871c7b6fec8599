package research

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
)

const (
	archiveVenueLink = "#venues-index-table tbody tr:first-child a"
	archiveYearRows  = ".table.table-condensed.table-hover.tops_table tbody tr"
	archiveYearCell  = "td a.subtle-link"
	archiveCountCell = "td.table-cell-no-stretch a"
)

// ConcertArchive reads per-year concert counts for a venue from
// concertarchives.org style pages.
type ConcertArchive struct {
	scraper *crawler.Scraper
	baseURL string
}

// NewConcertArchive builds a ConcertArchive rooted at baseURL.
func NewConcertArchive(scraper *crawler.Scraper, baseURL string) *ConcertArchive {
	if baseURL == "" {
		baseURL = "https://www.concertarchives.org"
	}
	return &ConcertArchive{scraper: scraper, baseURL: strings.TrimRight(baseURL, "/")}
}

// SearchURL is the archive's venue search page for venue.
func (a *ConcertArchive) SearchURL(venue string) string {
	return a.baseURL + "/venues?utf8=%E2%9C%93&search=" + url.QueryEscape(venue)
}

// VenuePage returns the first venue result for venue, or "" when the
// search found nothing.
func (a *ConcertArchive) VenuePage(ctx context.Context, browser fetcher.Browser, venue string) (string, error) {
	doc, page, err := a.scraper.LoadDocument(ctx, browser, a.SearchURL(venue), "#venues-index-table")
	if err != nil {
		return "", fmt.Errorf("concert archive search: %w", err)
	}
	href, ok := doc.Find(archiveVenueLink).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", nil
	}
	resolved, err := page.BaseURL().Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("concert archive venue link %q: %w", href, err)
	}
	return resolved.String(), nil
}

// YearlyShows returns {"2023 concerts": 145, ...} and the venue page it was
// read from. An unknown venue yields no counts and no error.
func (a *ConcertArchive) YearlyShows(ctx context.Context, browser fetcher.Browser, venue string) (map[string]any, string, error) {
	venueURL, err := a.VenuePage(ctx, browser, venue)
	if err != nil || venueURL == "" {
		return nil, "", err
	}
	doc, _, err := a.scraper.LoadDocument(ctx, browser, venueURL, ".table.table-condensed.table-hover.tops_table")
	if err != nil {
		return nil, venueURL, fmt.Errorf("concert archive venue page: %w", err)
	}
	return parseYearRows(doc), venueURL, nil
}

func parseYearRows(doc *goquery.Document) map[string]any {
	counts := make(map[string]any)
	doc.Find(archiveYearRows).Each(func(_ int, row *goquery.Selection) {
		text := strings.TrimSpace(row.Text())
		if text == "" || (text[0] != '1' && text[0] != '2') {
			return
		}
		year := strings.TrimSpace(row.Find(archiveYearCell).First().Text())
		fields := strings.Fields(row.Find(archiveCountCell).First().Text())
		if year == "" || len(fields) == 0 {
			return
		}
		n, err := strconv.Atoi(strings.ReplaceAll(fields[0], ",", ""))
		if err != nil {
			return
		}
		counts[year+" concerts"] = int64(n)
	})
	return counts
}
