package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"venuescout/pkg/types"
)

// ChromeOptions configures a headless Chrome session.
type ChromeOptions struct {
	Timeout         time.Duration
	UserAgent       string
	MaxBodyBytes    int64
	DisableHeadless bool
	ProxyURL        string
}

// ChromeBrowser owns one Chrome process with a single tab. Loads on the same
// session are serialised.
type ChromeBrowser struct {
	opts   ChromeOptions
	logger *slog.Logger

	mu          sync.Mutex
	tabCtx      context.Context
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	closed      bool
}

// NewChromeBrowser starts a Chrome process and opens its tab.
func NewChromeBrowser(opts ChromeOptions, logger *slog.Logger) (*ChromeBrowser, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(selectUserAgent(opts.UserAgent)),
	)
	if strings.TrimSpace(opts.ProxyURL) != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	// The first Run launches the browser.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &ChromeBrowser{
		opts:        opts,
		logger:      logger,
		tabCtx:      tabCtx,
		allocCancel: allocCancel,
		tabCancel:   tabCancel,
	}, nil
}

// Load navigates the tab and returns the DOM once it has settled.
func (b *ChromeBrowser) Load(ctx context.Context, req types.LoadRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("load request URL is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	logger := b.logger.With("url", req.URL.String(), "settle", req.Settle.String())

	runCtx, cancel := context.WithTimeout(b.tabCtx, b.opts.Timeout+req.Settle)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html, finalURL string
	actions := []chromedp.Action{chromedp.Navigate(req.URL.String())}
	if sel := strings.TrimSpace(req.WaitSelector); sel != "" {
		actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if req.Settle > 0 {
		actions = append(actions, chromedp.Sleep(req.Settle))
	}
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	start := time.Now()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("chromedp load failed", "error", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if int64(len(html)) > b.opts.MaxBodyBytes {
		html = html[:b.opts.MaxBodyBytes]
	}

	parsedFinal := req.URL
	if finalURL != "" {
		if u, err := url.Parse(finalURL); err == nil {
			parsedFinal = u
		}
	}
	latency := time.Since(start)
	logger.Debug("chromedp load complete",
		"latency_ms", latency.Milliseconds(),
		"final_url", parsedFinal.String(),
		"html_bytes", len(html),
	)
	return &types.Page{
		URL:             req.URL,
		FinalURL:        parsedFinal,
		Body:            []byte(html),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      200,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: latency,
	}, nil
}

// Close shuts the tab and the Chrome process down.
func (b *ChromeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.tabCancel()
	b.allocCancel()
	return nil
}

func selectUserAgent(base string) string {
	if strings.TrimSpace(base) != "" {
		return base
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"
}
