package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"venuescout/internal/config"
	"venuescout/pkg/types"
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("browser closed")

// Browser is one page-loading session. A session is not shared between
// workers; each worker asks the Factory for its own.
type Browser interface {
	Load(ctx context.Context, req types.LoadRequest) (*types.Page, error)
	Close() error
}

// Factory opens a fresh Browser session.
type Factory interface {
	NewBrowser(ctx context.Context) (Browser, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Browser, error)

// NewBrowser implements Factory.
func (f FactoryFunc) NewBrowser(ctx context.Context) (Browser, error) {
	return f(ctx)
}

// NewFactory picks the browser engine from configuration. Every session it
// opens shares one per-host limiter.
func NewFactory(cfg config.Config, logger *slog.Logger) (Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := NewHostLimiter(cfg.Crawl.PerDomainDelay.Duration, RateLimiterSettings{
		Requests: cfg.Crawl.RateLimitPerDomain.Requests,
		Window:   cfg.Crawl.RateLimitPerDomain.Window.Duration,
	})

	switch strings.ToLower(cfg.Browser.Engine) {
	case "chromedp", "chrome":
		opts := ChromeOptions{
			Timeout:         cfg.Browser.Timeout.Duration,
			UserAgent:       cfg.Crawl.UserAgent,
			MaxBodyBytes:    cfg.Crawl.MaxBodyBytes,
			DisableHeadless: cfg.Browser.DisableHeadless,
			ProxyURL:        cfg.Crawl.ProxyURL,
		}
		return FactoryFunc(func(ctx context.Context) (Browser, error) {
			b, err := NewChromeBrowser(opts, logger)
			if err != nil {
				return nil, err
			}
			return Limit(b, limiter), nil
		}), nil
	case "http":
		httpFetcher, err := NewHTTPFetcher(Options{
			UserAgent:    cfg.Crawl.UserAgent,
			Headers:      cfg.Crawl.Headers,
			Timeout:      cfg.Crawl.RequestTimeout.Duration,
			MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
			ProxyURL:     cfg.Crawl.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("http fetcher: %w", err)
		}
		return FactoryFunc(func(ctx context.Context) (Browser, error) {
			return Limit(NewHTTPBrowser(httpFetcher), limiter), nil
		}), nil
	default:
		return nil, fmt.Errorf("unsupported browser engine %q", cfg.Browser.Engine)
	}
}

// Waiter blocks until a request to host may proceed.
type Waiter interface {
	Wait(ctx context.Context, host string) error
}

type limitedBrowser struct {
	Browser
	waiter Waiter
}

// Limit wraps b so every load first waits on w for the target host.
func Limit(b Browser, w Waiter) Browser {
	if w == nil {
		return b
	}
	return &limitedBrowser{Browser: b, waiter: w}
}

func (l *limitedBrowser) Load(ctx context.Context, req types.LoadRequest) (*types.Page, error) {
	if req.URL != nil {
		if err := l.waiter.Wait(ctx, req.URL.Hostname()); err != nil {
			return nil, err
		}
	}
	return l.Browser.Load(ctx, req)
}

// NewLoadRequest parses raw into a LoadRequest.
func NewLoadRequest(raw string, settle time.Duration) (types.LoadRequest, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return types.LoadRequest{}, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return types.LoadRequest{}, fmt.Errorf("url %q is not absolute", raw)
	}
	return types.LoadRequest{URL: u, Settle: settle}, nil
}
