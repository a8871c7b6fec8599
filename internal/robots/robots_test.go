package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"venuescout/internal/config"
)

func TestAgentHonoursRulesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default().Robots
	cfg.Respect = true
	agent := NewAgent(cfg, srv.Client(), nil)
	ctx := context.Background()

	require.True(t, agent.Allowed(ctx, mustParse(t, srv.URL+"/capacity")))
	require.False(t, agent.Allowed(ctx, mustParse(t, srv.URL+"/private/box-office")))
	require.EqualValues(t, 1, hits.Load())

	agent.Purge(srv.URL)
	require.True(t, agent.Allowed(ctx, mustParse(t, srv.URL+"/")))
	require.EqualValues(t, 2, hits.Load())
}

func TestAgentDisabledAndOverrides(t *testing.T) {
	cfg := config.Default().Robots
	cfg.Respect = false
	require.True(t, NewAgent(cfg, nil, nil).Allowed(context.Background(), mustParse(t, "https://example.com/x")))

	cfg.Respect = true
	cfg.Overrides = []string{"example.com"}
	require.True(t, NewAgent(cfg, nil, nil).Allowed(context.Background(), mustParse(t, "https://example.com/x")))

	var nilAgent *Agent
	require.True(t, nilAgent.Allowed(context.Background(), mustParse(t, "https://example.com/x")))
}

func TestAgentFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := mustParse(t, srv.URL+"/anything")
	srv.Close()

	cfg := config.Default().Robots
	cfg.Respect = true
	require.True(t, NewAgent(cfg, nil, nil).Allowed(context.Background(), target))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
