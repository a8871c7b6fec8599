package api

import (
	"context"
	"encoding/json"
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
	"venuescout/internal/research"
	"venuescout/internal/storage"
	"venuescout/pkg/types"
)

type runnerFunc func(ctx context.Context, subject types.Subject) (*research.Report, error)

func (f runnerFunc) Run(ctx context.Context, subject types.Subject) (*research.Report, error) {
	return f(ctx, subject)
}

// recordingRunner writes the subject name to the store, like a research
// run that found nothing but the name.
func recordingRunner(store *storage.Store, collections config.CollectionsConfig) runnerFunc {
	return func(ctx context.Context, subject types.Subject) (*research.Report, error) {
		collection := collections.Venues
		if subject.Kind == types.KindFoodHall {
			collection = collections.FoodHalls
		}
		if err := store.Upsert(ctx, collection, subject.Name, nil, map[string]any{"article_source": subject.Source}); err != nil {
			return nil, err
		}
		return &research.Report{Subject: subject, Collection: collection}, nil
	}
}

type discoverFunc func(ctx context.Context) ([]types.Subject, error)

func (f discoverFunc) Discover(ctx context.Context) ([]types.Subject, error) { return f(ctx) }

func newTestServer(t *testing.T, runner Runner, opts ...Option) (*Server, *JobManager, *storage.Store) {
	t.Helper()
	cfg := config.Default()
	store, err := storage.Open(config.SQLConfig{Driver: "sqlite", DSN: ":memory:", AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if runner == nil {
		runner = recordingRunner(store, cfg.Collections)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobManager(context.Background(), runner, 2, 10, logger)
	t.Cleanup(jobs.Shutdown)
	return NewServer(jobs, store, cfg.Collections, logger, opts...), jobs, store
}

func TestServerHandlers(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	assertRoute(t, server, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/openapi.yaml", http.StatusOK, "application/yaml")
	assertRoute(t, server, http.MethodGet, "/docs", http.StatusOK, "text/html; charset=utf-8")
}

func TestDocsListsRoutesAndCollections(t *testing.T) {
	server, _, store := newTestServer(t, nil)
	require.NoError(t, store.Upsert(context.Background(), "venues_csv", "The Fillmore", nil, nil))

	rr := do(t, server, http.MethodGet, "/docs")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "<title>venuescout API</title>")
	require.Contains(t, body, "0 running, 0 queued")
	require.Contains(t, body, `<a href="/download_csv/venues_csv">CSV</a>`)
	require.Contains(t, body, "<td>Venues (<code>venues_csv</code>)</td><td>1</td>")
	require.Contains(t, body, "<code>/crawler/new_halls_today</code>")
	require.Contains(t, body, "<code>/api/jobs/{id}/cancel</code>")

	routes, err := documentedRoutes()
	require.NoError(t, err)
	for _, r := range routes {
		if r.Path == "/api/jobs/{id}/cancel" {
			require.Equal(t, http.MethodPost, r.Method)
		}
	}
}

func TestLaunchRunsResearchInBackground(t *testing.T) {
	server, jobs, store := newTestServer(t, nil)

	rr := do(t, server, http.MethodGet, "/crawler/venues/new/The%20Fillmore?source=https://news.test/a")
	require.Equal(t, http.StatusOK, rr.Code)
	var launched LaunchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &launched))
	require.Equal(t, "success", launched.Status)
	require.NotEmpty(t, launched.JobID)

	job, ok := jobs.Get(launched.JobID)
	require.True(t, ok)
	waitDone(t, job)

	doc, err := store.Get(context.Background(), "venues_csv", "The Fillmore")
	require.NoError(t, err)
	require.Equal(t, "https://news.test/a", doc["article_source"])

	rr = do(t, server, http.MethodGet, "/api/jobs/"+launched.JobID)
	require.Equal(t, http.StatusOK, rr.Code)
	var summary JobSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	require.Equal(t, JobStatusCompleted, summary.Status)
	require.Equal(t, types.KindVenue, summary.Kind)
	require.Equal(t, "venues_csv", summary.Collection)

	rr = do(t, server, http.MethodGet, "/crawler/new/alton")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &launched))
	job, _ = jobs.Get(launched.JobID)
	waitDone(t, job)
	require.Equal(t, types.KindFoodHall, job.Snapshot().Kind)
}

func TestLaunchQueuesWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	server, jobs, _ := newTestServer(t, runnerFunc(func(ctx context.Context, subject types.Subject) (*research.Report, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &research.Report{Subject: subject}, nil
	}))

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		rr := do(t, server, http.MethodGet, "/crawler/venues/new/"+name)
		require.Equal(t, http.StatusOK, rr.Code)
		var launched LaunchResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &launched))
		require.Equal(t, "success", launched.Status)
		ids = append(ids, launched.JobID)
	}
	queued, ok := jobs.Get(ids[2])
	require.True(t, ok)
	require.Equal(t, JobStatusPending, queued.Status())
	require.Equal(t, 1, jobs.Queued())

	close(release)
	waitDone(t, queued)
	require.Equal(t, JobStatusCompleted, queued.Status())
}

func TestNewHallsTodayQueuesResearchPerArticle(t *testing.T) {
	discover := discoverFunc(func(context.Context) ([]types.Subject, error) {
		return []types.Subject{
			{Name: "Harbor Food Hall", Source: "https://news.test/harbor"},
			{Name: "Mill Street Market", Source: "https://news.test/east-side"},
			{Name: "Canal Hall", Source: "https://news.test/east-side"},
		}, nil
	})
	server, jobs, store := newTestServer(t, nil, WithDiscoverer(discover))

	rr := do(t, server, http.MethodGet, "/crawler/new_halls_today")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp IntakeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.Len(t, resp.Jobs, 3)

	for _, launched := range resp.Jobs {
		job, ok := jobs.Get(launched.JobID)
		require.True(t, ok)
		waitDone(t, job)
		require.Equal(t, types.KindFoodHall, job.Snapshot().Kind)
		require.Equal(t, launched.Source, job.Snapshot().Source)
	}
	doc, err := store.Get(context.Background(), "foodhalls_csv", "Canal Hall")
	require.NoError(t, err)
	require.Equal(t, "https://news.test/east-side", doc["article_source"])
}

func TestNewHallsTodayErrors(t *testing.T) {
	server, _, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusNotImplemented, do(t, server, http.MethodGet, "/crawler/new_halls_today").Code)

	failing := discoverFunc(func(context.Context) ([]types.Subject, error) { return nil, errors.New("feed down") })
	server, jobs, _ := newTestServer(t, nil, WithDiscoverer(failing))
	require.Equal(t, http.StatusBadGateway, do(t, server, http.MethodGet, "/crawler/new_halls_today").Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, server, http.MethodPost, "/crawler/new_halls_today").Code)
	require.Empty(t, jobs.List())
}

func TestListAndCount(t *testing.T) {
	server, _, store := newTestServer(t, nil)
	ctx := context.Background()
	for _, name := range []string{"Alton Food Hall", "Chelsea Market Food Hall", "Ponce City Food Hall"} {
		require.NoError(t, store.Upsert(ctx, "foodhalls_csv", name, map[string]any{"city": "X"}, nil))
	}
	require.NoError(t, store.Upsert(ctx, "venues_csv", "The Fillmore", nil, nil))

	rr := do(t, server, http.MethodGet, "/api/foodhalls/?limit=2&offset=0")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		FoodHalls []map[string]any `json:"foodhalls"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed.FoodHalls, 2)

	rr = do(t, server, http.MethodGet, "/api/foodhalls/count")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"foodhalls_count": 3}`, rr.Body.String())

	rr = do(t, server, http.MethodGet, "/api/venues/count")
	require.JSONEq(t, `{"venues_count": 1}`, rr.Body.String())

	rr = do(t, server, http.MethodGet, "/api/venues")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"name":"The Fillmore"`)

	require.Equal(t, http.StatusBadRequest, do(t, server, http.MethodGet, "/api/venues/?limit=-1").Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, server, http.MethodPost, "/api/venues/count").Code)
}

func TestListEmptyCollection(t *testing.T) {
	server, _, _ := newTestServer(t, nil)
	rr := do(t, server, http.MethodGet, "/api/venues/")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"venues": []}`, rr.Body.String())
}

func TestDownloadCSV(t *testing.T) {
	server, _, store := newTestServer(t, nil)
	require.NoError(t, store.Upsert(context.Background(), "venues_csv", "The Fillmore", map[string]any{"capacity": 1150}, nil))

	for _, path := range []string{"/download_csv/venues_csv", "/download_csv/venues"} {
		rr := do(t, server, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rr.Code, path)
		require.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
		require.Equal(t, `attachment; filename="venues_csv.csv"`, rr.Header().Get("Content-Disposition"))
		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		require.Len(t, lines, 2)
		require.Equal(t, "_id,capacity,createdAt,name,updatedAt", lines[0])
		require.Contains(t, lines[1], ",1150,")
	}

	require.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/download_csv/users").Code)
}

func TestJobsCancel(t *testing.T) {
	started := make(chan struct{})
	server, jobs, _ := newTestServer(t, runnerFunc(func(ctx context.Context, subject types.Subject) (*research.Report, error) {
		close(started)
		<-ctx.Done()
		return &research.Report{Subject: subject}, ctx.Err()
	}))

	rr := do(t, server, http.MethodGet, "/crawler/venues/new/slow")
	var launched LaunchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &launched))
	<-started

	rr = do(t, server, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed []JobSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, JobStatusRunning, listed[0].Status)

	require.Equal(t, http.StatusMethodNotAllowed, do(t, server, http.MethodGet, "/api/jobs/"+launched.JobID+"/cancel").Code)
	require.Equal(t, http.StatusAccepted, do(t, server, http.MethodPost, "/api/jobs/"+launched.JobID+"/cancel").Code)

	job, _ := jobs.Get(launched.JobID)
	waitDone(t, job)
	require.Equal(t, JobStatusCancelled, job.Status())

	require.Equal(t, http.StatusConflict, do(t, server, http.MethodPost, "/api/jobs/"+launched.JobID+"/cancel").Code)
	require.Equal(t, http.StatusNotFound, do(t, server, http.MethodPost, "/api/jobs/nope/cancel").Code)
	require.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/api/jobs/nope").Code)
}

func TestCORSPreflight(t *testing.T) {
	server, _, _ := newTestServer(t, nil)
	rr := do(t, server, http.MethodOptions, "/api/venues/")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = do(t, server, http.MethodGet, "/health")
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID())
	}
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) {
	t.Helper()
	rr := do(t, h, method, path)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}
