package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config captures everything needed to run research jobs, the API and the CLI.
type Config struct {
	DB          SQLConfig         `yaml:"db"`
	Collections CollectionsConfig `yaml:"collections"`
	LLM         LLMConfig         `yaml:"llm"`
	Browser     BrowserConfig     `yaml:"browser"`
	Search      SearchConfig      `yaml:"search"`
	Traversal   TraversalConfig   `yaml:"traversal"`
	Research    ResearchConfig    `yaml:"research"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Crawl       CrawlConfig       `yaml:"crawl"`
	Preprocess  PreprocessConfig  `yaml:"preprocess"`
	Robots      RobotsConfig      `yaml:"robots"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SQLConfig describes the database backing the document store.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// CollectionsConfig names the document collections per subject kind.
type CollectionsConfig struct {
	Venues    string `yaml:"venues"`
	FoodHalls string `yaml:"food_halls"`
}

// LLMConfig selects the chat-completions provider.
type LLMConfig struct {
	Provider    string   `yaml:"provider"`
	APIKey      string   `yaml:"api_key"`
	Endpoint    string   `yaml:"endpoint"`
	BaseURL     string   `yaml:"base_url"`
	Deployment  string   `yaml:"deployment"`
	APIVersion  string   `yaml:"api_version"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	Seed        int      `yaml:"seed"`
	Timeout     Duration `yaml:"timeout"`
	MaxMessages int      `yaml:"max_messages"`
}

// BrowserConfig controls how pages are loaded.
type BrowserConfig struct {
	Engine          string   `yaml:"engine"`
	Timeout         Duration `yaml:"timeout"`
	SettleDelay     Duration `yaml:"settle_delay"`
	LinkSettleDelay Duration `yaml:"link_settle_delay"`
	WaitForSelector string   `yaml:"wait_for_selector"`
	DisableHeadless bool     `yaml:"disable_headless"`
}

// SearchConfig points at the search engine results page.
type SearchConfig struct {
	URLTemplate    string   `yaml:"url_template"`
	ResultSelector string   `yaml:"result_selector"`
	NumResults     int      `yaml:"num_results"`
	Denylist       []string `yaml:"denylist"`
	CacheSize      int      `yaml:"cache_size"`
	CacheTTL       Duration `yaml:"cache_ttl"`
}

// TraversalConfig bounds the site walk.
type TraversalConfig struct {
	MaxPageVisits    int    `yaml:"max_page_visits"`
	TokenBudget      int    `yaml:"token_budget"`
	ChunkWords       int    `yaml:"chunk_words"`
	MaxChunksPerPage int    `yaml:"max_chunks_per_page"`
	ShortlistSize    int    `yaml:"shortlist_size"`
	Selector         string `yaml:"selector"`
	SameDomainOnly   bool   `yaml:"same_domain_only"`
}

// ResearchConfig tunes per-subject research runs.
type ResearchConfig struct {
	Workers        int    `yaml:"workers"`
	MaxPromptWords int    `yaml:"max_prompt_words"`
	ArchiveBaseURL string `yaml:"archive_base_url"`
}

// AlertsConfig points the news intake at alert feeds and a news results page.
type AlertsConfig struct {
	Feeds []string `yaml:"feeds"`
	// PageURL is a results page template with one %s for Query. Empty disables it.
	PageURL        string   `yaml:"page_url"`
	ResultSelector string   `yaml:"result_selector"`
	Query          string   `yaml:"query"`
	MaxArticles    int      `yaml:"max_articles"`
	MaxAge         Duration `yaml:"max_age"`
	Workers        int      `yaml:"workers"`
}

// CrawlConfig carries politeness and HTTP settings shared by page loads.
type CrawlConfig struct {
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	ProxyURL           string            `yaml:"proxy_url"`
	PerDomainDelay     Duration          `yaml:"per_domain_delay"`
	RateLimitPerDomain RateLimitConfig   `yaml:"rate_limit_per_domain"`
	RequestTimeout     Duration          `yaml:"request_timeout"`
	MaxBodyBytes       int64             `yaml:"max_body_bytes"`
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// PreprocessConfig configures HTML sanitisation before text extraction.
type PreprocessConfig struct {
	RemoveAds   bool     `yaml:"remove_ads"`
	AdSelectors []string `yaml:"ad_selectors"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
	CacheSize int      `yaml:"cache_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	HistoryLimit   int    `yaml:"history_limit"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DB: SQLConfig{
			Driver:      "sqlite",
			DSN:         "venuescout.db",
			AutoMigrate: true,
		},
		Collections: CollectionsConfig{
			Venues:    "venues_csv",
			FoodHalls: "foodhalls_csv",
		},
		LLM: LLMConfig{
			Provider:    "azure",
			BaseURL:     "https://api.openai.com/v1",
			Deployment:  "gpt-4o",
			APIVersion:  "2024-02-01",
			Model:       "gpt-4o",
			Temperature: 0.3,
			Seed:        42,
			Timeout:     DurationFrom(2 * time.Minute),
			MaxMessages: 40,
		},
		Browser: BrowserConfig{
			Engine:          "chromedp",
			Timeout:         DurationFrom(45 * time.Second),
			SettleDelay:     DurationFrom(5 * time.Second),
			LinkSettleDelay: DurationFrom(12 * time.Second),
		},
		Search: SearchConfig{
			URLTemplate:    "https://www.google.com/search?q=%s",
			ResultSelector: "#search .g a",
			NumResults:     3,
			Denylist: []string{
				"https://www.instagram.com",
				"https://www.google.com/search",
				"https://www.facebook.com/",
				"https://www.youtube.com/",
				"https://twitter.com/",
				"https://x.com/",
				"https://www.linkedin.com/",
				"https://www.tiktok.com/",
			},
			CacheSize: 256,
			CacheTTL:  DurationFrom(30 * time.Minute),
		},
		Traversal: TraversalConfig{
			MaxPageVisits:    10,
			TokenBudget:      60000,
			ChunkWords:       1500,
			MaxChunksPerPage: 4,
			ShortlistSize:    40,
			Selector:         "llm",
			SameDomainOnly:   false,
		},
		Research: ResearchConfig{
			Workers:        4,
			MaxPromptWords: 6000,
			ArchiveBaseURL: "https://www.concertarchives.org",
		},
		Alerts: AlertsConfig{
			Feeds:          []string{},
			PageURL:        "https://www.google.com/search?q=%s&tbm=nws&tbs=qdr:d",
			ResultSelector: "#search a",
			Query:          "new food hall",
			MaxArticles:    10,
			MaxAge:         DurationFrom(24 * time.Hour),
			Workers:        2,
		},
		Crawl: CrawlConfig{
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36",
			Headers:        map[string]string{},
			PerDomainDelay: DurationFrom(250 * time.Millisecond),
			RequestTimeout: DurationFrom(20 * time.Second),
			MaxBodyBytes:   6 * 1024 * 1024,
		},
		Preprocess: PreprocessConfig{
			RemoveAds: true,
			AdSelectors: []string{
				"[class*='advert']",
				"[class*='ad-']",
				"iframe[src*='ads']",
			},
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "venuescout/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
			CacheSize: 512,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxConcurrency: 5,
			HistoryLimit:   200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads the YAML file at path, merges an optional <name>.local.<ext>
// override next to it, applies environment overrides and validates the
// result. A missing base file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		var override Config
		local := localPath(path)
		if err := decodeFile(local, &override); err == nil {
			if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge %s: %w", local, err)
			}
			slog.Info("merging config with local overrides", "local", local)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return finish(&cfg, os.Getenv)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg, os.Getenv)
}

func finish(cfg *Config, getenv func(string) string) (*Config, error) {
	cfg.applyEnv(getenv)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return decodeYAML(fh, cfg)
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func localPath(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, name+".local"+ext)
}

// applyEnv lets deployment secrets and a few knobs come from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.DB.DSN, "DATABASE_URL", "MONGO_CONNECTION")
	set(&c.DB.Driver, "DB_DRIVER")
	set(&c.LLM.Provider, "LLM_PROVIDER")
	set(&c.Logging.Level, "LOG_LEVEL")
	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "openai":
		set(&c.LLM.APIKey, "OPENAI_API_KEY", "GPT_API_KEY")
	default:
		set(&c.LLM.APIKey, "AZURE_OPENAI_API_KEY")
		set(&c.LLM.Endpoint, "AZURE_OPENAI_ENDPOINT")
	}
	if raw := strings.TrimSpace(getenv("CRAWLER_MAX_CONCURRENCY")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			c.Server.MaxConcurrency = v
		}
	}
}

// Validate enforces required invariants. Secrets are not required here; a
// missing API key or DSN surfaces at first use.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db.driver must be postgres or sqlite (got %q)", c.DB.Driver)
	}
	if c.Collections.Venues == "" || c.Collections.FoodHalls == "" {
		return errors.New("collections.venues and collections.food_halls must be set")
	}
	if c.Collections.Venues == c.Collections.FoodHalls {
		return errors.New("collections.venues and collections.food_halls must differ")
	}
	switch c.LLM.Provider {
	case "azure", "openai":
	default:
		return fmt.Errorf("llm.provider must be azure or openai (got %q)", c.LLM.Provider)
	}
	if c.LLM.MaxMessages < 2 {
		return fmt.Errorf("llm.max_messages must be >= 2 (got %d)", c.LLM.MaxMessages)
	}
	switch c.Browser.Engine {
	case "chromedp", "http":
	default:
		return fmt.Errorf("browser.engine must be chromedp or http (got %q)", c.Browser.Engine)
	}
	if !strings.Contains(c.Search.URLTemplate, "%s") {
		return errors.New("search.url_template must contain %s")
	}
	if c.Search.NumResults <= 0 {
		return fmt.Errorf("search.num_results must be > 0 (got %d)", c.Search.NumResults)
	}
	if c.Traversal.MaxPageVisits <= 0 {
		return fmt.Errorf("traversal.max_page_visits must be > 0 (got %d)", c.Traversal.MaxPageVisits)
	}
	if c.Traversal.TokenBudget <= 0 {
		return fmt.Errorf("traversal.token_budget must be > 0 (got %d)", c.Traversal.TokenBudget)
	}
	if c.Traversal.ChunkWords <= 0 {
		return fmt.Errorf("traversal.chunk_words must be > 0 (got %d)", c.Traversal.ChunkWords)
	}
	switch c.Traversal.Selector {
	case "llm", "heuristic":
	default:
		return fmt.Errorf("traversal.selector must be llm or heuristic (got %q)", c.Traversal.Selector)
	}
	if c.Research.Workers <= 0 {
		return fmt.Errorf("research.workers must be > 0 (got %d)", c.Research.Workers)
	}
	if c.Alerts.PageURL != "" && !strings.Contains(c.Alerts.PageURL, "%s") {
		return errors.New("alerts.page_url must contain %s")
	}
	if c.Alerts.MaxArticles < 0 {
		return fmt.Errorf("alerts.max_articles must be >= 0 (got %d)", c.Alerts.MaxArticles)
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.Server.MaxConcurrency <= 0 {
		return fmt.Errorf("server.max_concurrency must be > 0 (got %d)", c.Server.MaxConcurrency)
	}
	return nil
}

func (c *Config) normalise() {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.LLM.Endpoint = strings.TrimRight(strings.TrimSpace(c.LLM.Endpoint), "/")
	c.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(c.LLM.BaseURL), "/")
	c.Browser.Engine = strings.ToLower(strings.TrimSpace(c.Browser.Engine))
	c.Traversal.Selector = strings.ToLower(strings.TrimSpace(c.Traversal.Selector))
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = make(map[string]string)
	}
	if c.Traversal.MaxChunksPerPage <= 0 {
		c.Traversal.MaxChunksPerPage = 1
	}
	if c.Traversal.ShortlistSize <= 0 {
		c.Traversal.ShortlistSize = 40
	}

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	c.Search.Denylist = dedupe(c.Search.Denylist)
	c.Alerts.Feeds = dedupe(c.Alerts.Feeds)
	c.Alerts.PageURL = strings.TrimSpace(c.Alerts.PageURL)
	if c.Alerts.Workers <= 0 {
		c.Alerts.Workers = 1
	}
}

func dedupeLower(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, v := range values {
		lowered = append(lowered, strings.ToLower(v))
	}
	out := dedupe(lowered)
	sort.Strings(out)
	return out
}

// dedupe trims and removes repeats while keeping the first-seen order.
func dedupe(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
