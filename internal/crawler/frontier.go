package crawler

import (
	"net/url"
	"strings"
)

// Frontier is the ordered list of candidate URLs for one traversal plus the
// set of URLs already visited. URLs are compared by their canonical form so
// "https://Example.com:443/a#top" and "https://example.com/a" are the same page.
type Frontier struct {
	order   []string
	queued  map[string]struct{}
	visited map[string]struct{}
	visits  []string
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
}

// Add appends raw unless it is already queued or visited. It reports whether
// the URL was added.
func (f *Frontier) Add(raw string) bool {
	key := CanonicalKey(raw)
	if key == "" {
		return false
	}
	if _, ok := f.queued[key]; ok {
		return false
	}
	if _, ok := f.visited[key]; ok {
		return false
	}
	f.queued[key] = struct{}{}
	f.order = append(f.order, raw)
	return true
}

// Remove drops raw from the queue.
func (f *Frontier) Remove(raw string) {
	key := CanonicalKey(raw)
	if _, ok := f.queued[key]; !ok {
		return
	}
	delete(f.queued, key)
	for i, candidate := range f.order {
		if CanonicalKey(candidate) == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// MarkVisited records raw as visited and removes it from the queue.
func (f *Frontier) MarkVisited(raw string) {
	f.Remove(raw)
	key := CanonicalKey(raw)
	if key == "" {
		return
	}
	if _, ok := f.visited[key]; ok {
		return
	}
	f.visited[key] = struct{}{}
	f.visits = append(f.visits, raw)
}

// Visited reports whether raw has been visited.
func (f *Frontier) Visited(raw string) bool {
	_, ok := f.visited[CanonicalKey(raw)]
	return ok
}

// Pending returns queued URLs in discovery order.
func (f *Frontier) Pending() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Len is the number of queued URLs.
func (f *Frontier) Len() int { return len(f.order) }

// Visits returns visited URLs in visit order.
func (f *Frontier) Visits() []string {
	out := make([]string, len(f.visits))
	copy(out, f.visits)
	return out
}

// CanonicalKey normalises a URL for comparison: lower-case scheme and host,
// default port dropped, empty path as "/", fragment removed. Non-http(s) or
// unparseable input yields "".
func CanonicalKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if q := u.RawQuery; q != "" {
		key += "?" + q
	}
	return key
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
