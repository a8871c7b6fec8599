package api

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed static/openapi.yaml
var openAPIDoc []byte

// route is one documented method and path.
type route struct {
	Method  string
	Path    string
	Summary string
}

var methodOrder = map[string]int{"get": 0, "post": 1, "put": 2, "patch": 3, "delete": 4}

// documentedRoutes lists the operations in the embedded OpenAPI document,
// sorted by path then method.
var documentedRoutes = sync.OnceValues(func() ([]route, error) {
	var doc struct {
		Paths map[string]map[string]struct {
			Summary string `yaml:"summary"`
		} `yaml:"paths"`
	}
	if err := yaml.Unmarshal(openAPIDoc, &doc); err != nil {
		return nil, err
	}
	var routes []route
	for path, ops := range doc.Paths {
		for method, op := range ops {
			if _, ok := methodOrder[method]; !ok {
				continue
			}
			routes = append(routes, route{Method: strings.ToUpper(method), Path: path, Summary: op.Summary})
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return methodOrder[strings.ToLower(routes[i].Method)] < methodOrder[strings.ToLower(routes[j].Method)]
	})
	return routes, nil
})

type collectionInfo struct {
	Name  string
	Label string
	Count int64
	Known bool
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>venuescout API</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 60rem; color: #1d2330; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
    th, td { text-align: left; padding: .35rem .6rem; border-bottom: 1px solid #dde2ea; }
    code { font-size: .95em; }
    .method { font-weight: 600; width: 5rem; }
  </style>
</head>
<body>
<h1>venuescout API</h1>
<p>Research jobs: {{.Running}} running, {{.Queued}} queued. Machine-readable description: <a href="/openapi.yaml">openapi.yaml</a>.</p>
<h2>Collections</h2>
<table>
  <tr><th>Collection</th><th>Documents</th><th>Export</th></tr>
  {{- range .Collections}}
  <tr><td>{{.Label}} (<code>{{.Name}}</code>)</td><td>{{if .Known}}{{.Count}}{{else}}unavailable{{end}}</td><td><a href="/download_csv/{{.Name}}">CSV</a></td></tr>
  {{- end}}
</table>
<h2>Endpoints</h2>
<table>
  <tr><th>Method</th><th>Path</th><th>Summary</th></tr>
  {{- range .Routes}}
  <tr><td class="method">{{.Method}}</td><td><code>{{.Path}}</code></td><td>{{.Summary}}</td></tr>
  {{- end}}
</table>
</body>
</html>`))

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIDoc)
}

// handleDocs renders the endpoint list with live collection and job counts.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	routes, err := documentedRoutes()
	if err != nil {
		s.logger.Error("parse openapi document failed", "error", err)
		http.Error(w, "failed to render docs", http.StatusInternalServerError)
		return
	}

	collections := []collectionInfo{
		{Name: s.collections.Venues, Label: "Venues"},
		{Name: s.collections.FoodHalls, Label: "Food halls"},
	}
	for i := range collections {
		n, err := s.store.Count(r.Context(), collections[i].Name)
		if err != nil {
			s.logger.Warn("count documents failed", "collection", collections[i].Name, "error", err)
			continue
		}
		collections[i].Count, collections[i].Known = n, true
	}
	running, queued := s.jobs.Load()

	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, map[string]any{
		"Routes":      routes,
		"Collections": collections,
		"Running":     running,
		"Queued":      queued,
	}); err != nil {
		s.logger.Error("render docs failed", "error", err)
		http.Error(w, "failed to render docs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
