package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"

	"venuescout/internal/config"
)

// Agent evaluates robots.txt rules with caching and domain overrides.
// Lookups fail open: a robots.txt that cannot be fetched allows everything.
type Agent struct {
	client    *http.Client
	userAgent string
	respect   bool
	logger    *slog.Logger

	cache     *expirable.LRU[string, *robotstxt.RobotsData]
	overrides map[string]struct{}
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client, logger *slog.Logger) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 512
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			overrides[host] = struct{}{}
		}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		respect:   cfg.Respect,
		logger:    logger,
		cache:     expirable.NewLRU[string, *robotstxt.RobotsData](size, nil, cfg.CacheTTL.Or(30*time.Minute)),
		overrides: overrides,
	}
}

// Allowed reports whether the target URL may be visited.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if a == nil || !a.respect {
		return true
	}
	if target == nil || !target.IsAbs() {
		return false
	}
	if _, ok := a.overrides[strings.ToLower(target.Hostname())]; ok {
		return true
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		a.logger.Debug("robots lookup failed, allowing", "host", target.Host, "error", err)
		return true
	}
	return rules.TestAgent(target.EscapedPath(), a.userAgent)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(target.Scheme + "://" + target.Host)
	if rules, ok := a.cache.Get(key); ok {
		return rules, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// FromResponse maps 4xx to allow-all and 5xx to disallow-all.
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	a.cache.Add(key, data)
	return data, nil
}

// Purge evicts cached robots rules for an origin such as "https://example.com".
func (a *Agent) Purge(origin string) {
	a.cache.Remove(strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/")))
}
