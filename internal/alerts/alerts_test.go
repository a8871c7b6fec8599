package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"venuescout/internal/config"
	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/processor"
	"venuescout/internal/search"
	"venuescout/pkg/types"
)

type pageBrowser map[string]string

func (b pageBrowser) Load(_ context.Context, req types.LoadRequest) (*types.Page, error) {
	html, ok := b[req.URL.String()]
	if !ok {
		return nil, errors.New("not found")
	}
	return &types.Page{URL: req.URL, FinalURL: req.URL, Body: []byte(html)}, nil
}

func (pageBrowser) Close() error { return nil }

const alertFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Google Alert - food hall</title>
  <entry>
    <id>tag:1</id>
    <title>Harbor Food Hall opens downtown</title>
    <link href="https://www.google.com/url?rct=j&amp;sa=t&amp;url=https://news.test/harbor&amp;ct=ga"/>
    <published>2026-10-19T08:00:00Z</published>
    <updated>2026-10-19T08:00:00Z</updated>
  </entry>
  <entry>
    <id>tag:2</id>
    <title>Two new halls for the east side</title>
    <link href="https://news.test/east-side"/>
    <published>2026-10-19T09:30:00Z</published>
    <updated>2026-10-19T09:30:00Z</updated>
  </entry>
  <entry>
    <id>tag:3</id>
    <title>Last week in dining</title>
    <link href="https://news.test/old"/>
    <published>2026-10-12T09:30:00Z</published>
    <updated>2026-10-12T09:30:00Z</updated>
  </entry>
</feed>`

const resultsPage = `<html><body><div id="search">
<a href="/url?q=https://news.test/east-side&amp;sa=U">East side</a>
<a href="https://blog.test/market-hall">Market hall</a>
<a href="https://www.instagram.com/p/abc">Instagram</a>
<a href="https://www.google.com/search?q=more">More results</a>
</div></body></html>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/alerts/feeds/1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = io.WriteString(w, alertFeed)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestIntake(client llm.Client, browser pageBrowser, feeds []string, withPage bool) *Intake {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scraper := crawler.NewScraper(processor.NewTextExtractor(config.PreprocessConfig{}), crawler.ScraperOptions{}, logger)
	var engine *search.Engine
	if withPage {
		engine = search.NewEngine(config.SearchConfig{
			URLTemplate:    "https://www.google.com/search?q=%s&tbm=nws",
			ResultSelector: "#search a",
			NumResults:     10,
			Denylist:       config.Default().Search.Denylist,
		}, scraper, logger)
	}
	factory := fetcher.FactoryFunc(func(context.Context) (fetcher.Browser, error) { return browser, nil })
	in := New(factory, scraper, engine, client, crawler.NewDenylist(config.Default().Search.Denylist), http.DefaultClient, Options{
		Feeds:   feeds,
		Query:   "new food hall",
		MaxAge:  24 * time.Hour,
		Workers: 2,
	}, logger)
	in.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return in
}

func TestUnwrap(t *testing.T) {
	require.Equal(t, "https://news.test/a", Unwrap("https://www.google.com/url?rct=j&sa=t&url=https://news.test/a&ct=ga"))
	require.Equal(t, "https://news.test/b", Unwrap("https://www.google.com/url?q=https://news.test/b&sa=U"))
	require.Equal(t, "https://news.test/c?url=x", Unwrap("https://news.test/c?url=x"))
	require.Equal(t, "https://www.google.com/search?q=x", Unwrap("https://www.google.com/search?q=x"))
}

func TestArticlesMergesFeedsAndResultsPage(t *testing.T) {
	srv := feedServer(t)
	browser := pageBrowser{"https://www.google.com/search?q=new+food+hall&tbm=nws": resultsPage}
	in := newTestIntake(nil, browser, []string{srv.URL + "/alerts/feeds/1"}, true)

	articles, err := in.Articles(context.Background(), browser)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://news.test/harbor",
		"https://news.test/east-side",
		"https://blog.test/market-hall",
	}, articles)
}

func TestArticlesToleratesOneFailingSource(t *testing.T) {
	srv := feedServer(t)
	in := newTestIntake(nil, pageBrowser{}, []string{srv.URL + "/alerts/feeds/1", srv.URL + "/missing"}, true)

	articles, err := in.Articles(context.Background(), pageBrowser{})
	require.NoError(t, err)
	require.Equal(t, []string{"https://news.test/harbor", "https://news.test/east-side"}, articles)
}

func TestArticlesFailsWhenEverySourceFails(t *testing.T) {
	srv := feedServer(t)
	in := newTestIntake(nil, pageBrowser{}, []string{srv.URL + "/missing"}, true)

	_, err := in.Articles(context.Background(), pageBrowser{})
	require.Error(t, err)
}

func TestDiscoverNamesHallsPerArticle(t *testing.T) {
	srv := feedServer(t)
	browser := pageBrowser{
		"https://www.google.com/search?q=new+food+hall&tbm=nws": resultsPage,
		"https://news.test/harbor":                              "<html><body><p>Harbor Food Hall opens Friday with 20 stalls.</p></body></html>",
		"https://news.test/east-side":                           "<html><body><p>The east side gets Mill Street Market and Harbor Food Hall.</p></body></html>",
		"https://blog.test/market-hall":                         "<html><body><p>Our favourite tacos this month.</p></body></html>",
	}
	client := llm.ClientFunc(func(_ context.Context, msgs []llm.Message) (string, error) {
		prompt := msgs[len(msgs)-1].Content
		switch {
		case strings.Contains(prompt, "https://news.test/harbor"):
			return `{"food_halls": ["Harbor  Food Hall"]}`, nil
		case strings.Contains(prompt, "https://news.test/east-side"):
			return "Sure! {'food_halls': ['Mill Street Market', 'harbor food hall']}", nil
		default:
			return `{"food_halls": []}`, nil
		}
	})
	in := newTestIntake(client, browser, []string{srv.URL + "/alerts/feeds/1"}, true)

	subjects, err := in.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.Subject{
		{Kind: types.KindFoodHall, Name: "Harbor Food Hall", Source: "https://news.test/harbor"},
		{Kind: types.KindFoodHall, Name: "Mill Street Market", Source: "https://news.test/east-side"},
	}, subjects)
}

func TestHallsInIgnoresUnusableReplies(t *testing.T) {
	browser := pageBrowser{"https://news.test/a": "<html><body><p>Some news.</p></body></html>"}
	for name, reply := range map[string]string{
		"prose":     "No food halls here.",
		"wrong key": `{"halls": ["X"]}`,
		"not list":  `{"food_halls": "X"}`,
	} {
		t.Run(name, func(t *testing.T) {
			client := llm.ClientFunc(func(context.Context, []llm.Message) (string, error) { return reply, nil })
			in := newTestIntake(client, browser, nil, false)
			require.Empty(t, in.HallsIn(context.Background(), browser, "https://news.test/a"))
		})
	}
	in := newTestIntake(nil, browser, nil, false)
	require.Empty(t, in.HallsIn(context.Background(), browser, "https://news.test/down"))
}

func TestDiscoverWithoutSources(t *testing.T) {
	in := newTestIntake(nil, pageBrowser{}, nil, false)
	_, err := in.Discover(context.Background())
	require.ErrorIs(t, err, ErrNoSources)
}
