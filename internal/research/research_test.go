package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"venuescout/internal/config"
	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/processor"
	"venuescout/internal/search"
	"venuescout/internal/storage"
	"venuescout/pkg/types"
)

type routeBrowser struct {
	route func(u *url.URL) (string, bool)
}

func (b routeBrowser) Load(_ context.Context, req types.LoadRequest) (*types.Page, error) {
	html, ok := b.route(req.URL)
	if !ok {
		return nil, errors.New("no route for " + req.URL.String())
	}
	return &types.Page{URL: req.URL, FinalURL: req.URL, Body: []byte(html)}, nil
}

func (routeBrowser) Close() error { return nil }

// fillmoreWeb serves search results, a small venue site, generic info pages
// and a concert archive.
func fillmoreWeb(u *url.URL) (string, bool) {
	switch u.Host {
	case "www.google.com":
		q := u.Query().Get("q")
		target := "https://info.test/page?q=" + url.QueryEscape(q)
		if q == "The Fillmore" {
			target = "https://fillmore.test/"
		}
		return `<div id="search"><div class="g"><a href="` + target + `">result</a></div></div>`, true
	case "info.test":
		return "<p>Everything about " + u.Query().Get("q") + ".</p>", true
	case "fillmore.test":
		if u.Path == "/vip" {
			return "<p>Our VIP lounge offers early entry.</p>", true
		}
		return `<p>Welcome.</p><a href="/vip">VIP</a>`, true
	case "archive.test":
		if u.Path == "/venues" {
			return `<table id="venues-index-table"><tbody><tr><td><a href="/venues/the-fillmore">The Fillmore</a></td></tr></tbody></table>`, true
		}
		return `<table class="table table-condensed table-hover tops_table"><tbody>
<tr><td>Year</td><td>Concerts</td></tr>
<tr><td><a class="subtle-link" href="/y/2023">2023</a></td><td class="table-cell-no-stretch"><a href="#">145 concerts</a></td></tr>
<tr><td><a class="subtle-link" href="/y/1999">1999</a></td><td class="table-cell-no-stretch"><a href="#">1,024 concerts</a></td></tr>
</tbody></table>`, true
	}
	return "", false
}

func fillmoreLLM() llm.Client {
	return llm.ClientFunc(func(_ context.Context, msgs []llm.Message) (string, error) {
		system := ""
		if msgs[0].Role == llm.RoleSystem {
			system = msgs[0].Content
		}
		last := msgs[len(msgs)-1].Content
		switch {
		case system == venueInstruction && strings.Contains(last, "Find the capacity"):
			return `{"capacity": 1150}`, nil
		case system == venueInstruction && strings.Contains(last, "Find the city"):
			return "```json\n{\"city\": \"San Francisco\", \"state\": \"CA\"}\n```", nil
		case system == venueInstruction && strings.Contains(last, "ownership details"):
			return "", errors.New("rate limited")
		case system == venueInstruction:
			return `{"data": null}`, nil
		case strings.HasPrefix(system, "You condense"):
			_, chunk, _ := strings.Cut(last, "\n\n")
			return chunk, nil
		case strings.HasPrefix(system, "You extract facts"):
			if strings.Contains(last, "VIP lounge") {
				return `{"vip_packages_access": "VIP lounge with early entry"}`, nil
			}
			return `{"vip_packages_access": null}`, nil
		default:
			return "ok", nil
		}
	})
}

type memoryStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	pages   []storage.PageRecord
	upserts int
	fail    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: make(map[string]map[string]any)}
}

func (s *memoryStore) Upsert(_ context.Context, collection, name string, set, onInsert map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.fail != nil {
		return s.fail
	}
	key := collection + "/" + name
	doc, ok := s.docs[key]
	if !ok {
		doc = map[string]any{"name": name}
		for k, v := range onInsert {
			doc[k] = v
		}
		s.docs[key] = doc
	}
	for k, v := range set {
		if v != nil {
			doc[k] = v
		}
	}
	return nil
}

func (s *memoryStore) SavePage(_ context.Context, page storage.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, page)
	return nil
}

func newTestResearcher(store Store, browsers *atomic.Int32) *Researcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := fillmoreLLM()
	scraper := crawler.NewScraper(processor.NewTextExtractor(config.PreprocessConfig{}), crawler.ScraperOptions{}, logger)
	factory := fetcher.FactoryFunc(func(context.Context) (fetcher.Browser, error) {
		browsers.Add(1)
		return routeBrowser{route: fillmoreWeb}, nil
	})
	return New(Deps{
		Factory:   factory,
		Client:    client,
		Store:     store,
		Search:    search.NewEngine(config.Default().Search, scraper, logger),
		Scraper:   scraper,
		Traverser: crawler.NewTraverser(client, scraper, crawler.HeuristicSelector{}, crawler.NewDenylist(nil), nil, crawler.TraverserOptions{}, logger),
		Archive:   NewConcertArchive(scraper, "https://archive.test/"),
	}, Options{Workers: 4}, logger)
}

func TestRunVenue(t *testing.T) {
	store := newMemoryStore()
	var browsers atomic.Int32
	r := newTestResearcher(store, &browsers)

	report, err := r.Run(context.Background(), types.Subject{Kind: types.KindVenue, Name: " The  Fillmore ", Source: "https://news.test/a"})
	require.NoError(t, err)
	require.Equal(t, "The Fillmore", report.Subject.Name)
	require.Equal(t, "venues_csv", report.Collection)
	require.ElementsMatch(t, []string{"city", "capacity", "vip_packages_access", "yearly_shows"}, report.Found())

	for _, task := range report.Tasks {
		require.True(t, task.Ran, task.Attribute)
	}
	owned, _ := report.Task("owned")
	require.Equal(t, llm.Failed, owned.Outcome.Status)
	require.Contains(t, owned.Outcome.Reason, "rate limited")
	bars, _ := report.Task("number_of_bars")
	require.Equal(t, llm.NotFound, bars.Outcome.Status)
	vip, _ := report.Task("vip_packages_access")
	require.Equal(t, "https://fillmore.test/vip", vip.Outcome.Source)

	require.EqualValues(t, 5, browsers.Load())

	doc := store.docs["venues_csv/The Fillmore"]
	require.Equal(t, "San Francisco", doc["city"])
	require.NotContains(t, doc, "state")
	require.Equal(t, int64(1150), doc["capacity"])
	require.Equal(t, "VIP lounge with early entry", doc["vip_packages_access"])
	require.Equal(t, int64(145), doc["2023 concerts"])
	require.Equal(t, int64(1024), doc["1999 concerts"])
	require.Equal(t, "https://news.test/a", doc["article_source"])

	sources := doc["sources"].([]types.SourceRecord)
	require.Len(t, sources, 4)
	require.Contains(t, sources, types.SourceRecord{Source: "https://archive.test/venues/the-fillmore", Label: "Yearly Shows"})
	require.Contains(t, sources, types.SourceRecord{Source: "https://info.test/page?q=The+Fillmore+venue+capacity", Label: "Capacity"})
	require.Equal(t, sources, report.Sources)

	require.Equal(t, 10, store.upserts)
	var archived []string
	for _, p := range store.pages {
		archived = append(archived, p.URL)
	}
	require.ElementsMatch(t, []string{"https://fillmore.test/", "https://fillmore.test/vip"}, archived)
}

func TestRunStopsWorkerOnStoreError(t *testing.T) {
	store := newMemoryStore()
	store.fail = errors.New("disk full")
	var browsers atomic.Int32
	r := newTestResearcher(store, &browsers)

	report, err := r.Run(context.Background(), types.Subject{Kind: types.KindVenue, Name: "The Fillmore"})
	require.ErrorContains(t, err, "disk full")
	ran := 0
	for _, task := range report.Tasks {
		if task.Ran {
			ran++
		}
	}
	// one task per parallel worker, then the concert archive
	require.Equal(t, 5, ran)
	require.Equal(t, 5, store.upserts)
}

func TestRunRejectsBadSubjects(t *testing.T) {
	var browsers atomic.Int32
	r := newTestResearcher(newMemoryStore(), &browsers)
	_, err := r.Run(context.Background(), types.Subject{Kind: "stadium", Name: "x"})
	require.Error(t, err)
	_, err = r.Run(context.Background(), types.Subject{Kind: types.KindVenue, Name: "   "})
	require.Error(t, err)
	require.Zero(t, browsers.Load())
}

func TestRunCancelled(t *testing.T) {
	var browsers atomic.Int32
	r := newTestResearcher(newMemoryStore(), &browsers)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := r.Run(ctx, types.Subject{Kind: types.KindFoodHall, Name: "alton"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "Alton Food Hall", report.Subject.Name)
	require.Empty(t, report.Found())
}

func TestCatalogue(t *testing.T) {
	venue := Catalogue(types.KindVenue)
	require.Len(t, venue, 10)
	hall := Catalogue(types.KindFoodHall)
	require.Len(t, hall, 16)
	require.Nil(t, Catalogue("stadium"))

	seen := map[string]bool{}
	for _, a := range append(venue, hall...) {
		require.NotEmpty(t, a.Label, a.Key)
		if a.Strategy == StrategySearch {
			require.Contains(t, a.PromptFor("X"), "X", a.Key)
			require.NotContains(t, a.PromptFor("X"), "%!", a.Key)
		}
		seen[a.Key] = true
	}
	require.True(t, seen["yearly_shows"])
	require.Equal(t, "Number Of Bars", labelFor("number_of_bars"))

	parallel, last := plan(venue)
	require.Len(t, parallel, 9)
	require.Len(t, last, 1)
	require.Equal(t, StrategySite, parallel[8].strategy)
	require.Equal(t, StrategyConcertArchive, last[0].strategy)
}

func TestNormaliseHallName(t *testing.T) {
	require.Equal(t, "Alton Food Hall", NormaliseHallName("  ALTON "))
	require.Equal(t, "Chelsea Market Food Hall", NormaliseHallName("chelsea   market food hall"))
	require.Equal(t, "", NormaliseHallName("   "))
	require.Equal(t, "The Fillmore", NormaliseName(types.KindVenue, " The  Fillmore "))
}

func TestPartition(t *testing.T) {
	require.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 6}, {6, 9}}, partition(9, 4))
	require.Equal(t, [][2]int{{0, 1}, {1, 2}}, partition(2, 4))
	require.Nil(t, partition(0, 4))
}

func TestSourceLogConcurrentAppend(t *testing.T) {
	var log SourceLog
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Append(types.SourceRecord{Source: "s", Label: "l"})
			}
		}()
	}
	wg.Wait()
	require.Len(t, log.Snapshot(), 400)
}
