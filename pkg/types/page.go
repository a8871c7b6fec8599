package types

import (
	"net/http"
	"net/url"
	"time"
)

// LoadRequest asks a browser session to open a page.
type LoadRequest struct {
	URL *url.URL
	// Settle is how long to wait after navigation before reading the DOM.
	Settle time.Duration
	// WaitSelector, when set, is awaited before the settle delay.
	WaitSelector string
}

// Page represents the loaded document.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

// BaseURL is the URL relative links on the page resolve against.
func (p *Page) BaseURL() *url.URL {
	if p == nil {
		return nil
	}
	if p.FinalURL != nil {
		return p.FinalURL
	}
	return p.URL
}

// Link is an anchor found on a page.
type Link struct {
	Label string `json:"label"`
	Href  string `json:"href"`
}
