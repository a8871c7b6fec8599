package crawler

import (
	"net/url"
	"strings"

	"venuescout/pkg/types"
)

// SameDomain reports whether candidate shares base's network location
// (host and port). Unparseable input is never the same domain.
func SameDomain(base, candidate string) bool {
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil || b.Host == "" {
		return false
	}
	c, err := url.Parse(strings.TrimSpace(candidate))
	if err != nil || c.Host == "" {
		return false
	}
	return strings.EqualFold(b.Host, c.Host)
}

// FilterSameDomain keeps the links that live on base's domain.
func FilterSameDomain(base string, links []types.Link) []types.Link {
	out := make([]types.Link, 0, len(links))
	for _, l := range links {
		if SameDomain(base, l.Href) {
			out = append(out, l)
		}
	}
	return out
}

// Denylist rejects URLs by prefix, for sites that are never useful to read
// (social media, search result pages).
type Denylist struct {
	prefixes []string
}

// NewDenylist builds a denylist from URL prefixes.
func NewDenylist(prefixes []string) Denylist {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return Denylist{prefixes: cleaned}
}

// Allowed reports whether raw is non-empty and matches no denied prefix.
func (d Denylist) Allowed(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	for _, p := range d.prefixes {
		if strings.HasPrefix(raw, p) {
			return false
		}
	}
	return true
}

// Filter returns the allowed URLs from raws, preserving order.
func (d Denylist) Filter(raws []string) []string {
	out := make([]string, 0, len(raws))
	for _, r := range raws {
		if d.Allowed(r) {
			out = append(out, r)
		}
	}
	return out
}
