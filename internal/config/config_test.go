package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
traversal:
  max_page_visits: 3
  selector: Heuristic
browser:
  settle_delay: 2
`))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Traversal.MaxPageVisits)
	require.Equal(t, "heuristic", cfg.Traversal.Selector)
	require.Equal(t, 2*time.Second, cfg.Browser.SettleDelay.Duration)
	require.Equal(t, "venues_csv", cfg.Collections.Venues)
	require.Equal(t, "foodhalls_csv", cfg.Collections.FoodHalls)
	require.Equal(t, 4, cfg.Research.Workers)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("bogus: true\n"))
	require.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Traversal, cfg.Traversal)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Traversal, cfg.Traversal)
	require.Equal(t, Default().Search.Denylist, cfg.Search.Denylist)
	require.Equal(t, Default().Alerts, cfg.Alerts)
	require.Equal(t, 200, cfg.Server.HistoryLimit)
}

func TestLoadMergesLocalOverride(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(base, []byte("traversal:\n  max_page_visits: 7\n  token_budget: 500\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yaml"), []byte("traversal:\n  max_page_visits: 2\n"), 0o600))

	cfg, err := Load(base)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Traversal.MaxPageVisits)
	require.Equal(t, 500, cfg.Traversal.TokenBudget)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"MONGO_CONNECTION":        "postgres://u@db/venues",
		"DB_DRIVER":               "postgres",
		"AZURE_OPENAI_API_KEY":    "k",
		"AZURE_OPENAI_ENDPOINT":   "https://example.openai.azure.com/",
		"CRAWLER_MAX_CONCURRENCY": "9",
	}
	cfg := Default()
	got, err := finish(&cfg, func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "postgres://u@db/venues", got.DB.DSN)
	require.Equal(t, "postgres", got.DB.Driver)
	require.Equal(t, "k", got.LLM.APIKey)
	require.Equal(t, "https://example.openai.azure.com", got.LLM.Endpoint)
	require.Equal(t, 9, got.Server.MaxConcurrency)
}

func TestApplyEnvOpenAIKeyFallback(t *testing.T) {
	env := map[string]string{
		"LLM_PROVIDER": "openai",
		"GPT_API_KEY":  "sk-test",
	}
	cfg := Default()
	got, err := finish(&cfg, func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "openai", got.LLM.Provider)
	require.Equal(t, "sk-test", got.LLM.APIKey)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":    func(c *Config) { c.DB.Driver = "mongo" },
		"visits":    func(c *Config) { c.Traversal.MaxPageVisits = 0 },
		"budget":    func(c *Config) { c.Traversal.TokenBudget = -1 },
		"template":  func(c *Config) { c.Search.URLTemplate = "https://example.com" },
		"selector":  func(c *Config) { c.Traversal.Selector = "random" },
		"same coll": func(c *Config) { c.Collections.FoodHalls = c.Collections.Venues },
		"engine":    func(c *Config) { c.Browser.Engine = "rod" },
		"alerts":    func(c *Config) { c.Alerts.PageURL = "https://news.example.com/today" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var sb strings.Builder
	logger, err := LoggingConfig{Level: "debug", Structured: true}.NewLogger(&sb)
	require.NoError(t, err)
	logger.Debug("hello", "k", 1)
	require.Contains(t, sb.String(), `"msg":"hello"`)

	_, err = LoggingConfig{Level: "loud"}.NewLogger(&sb)
	require.Error(t, err)
}
