// Package api exposes research launches, stored documents and job state
// over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"venuescout/internal/config"
	"venuescout/internal/export"
	"venuescout/internal/storage"
	"venuescout/pkg/types"
)

// ErrUnknownCollection is returned for a collection the server does not expose.
var ErrUnknownCollection = errors.New("unknown collection")

// DocumentStore is the read side of the document store.
type DocumentStore interface {
	Find(ctx context.Context, collection string, opts storage.FindOptions) ([]storage.Document, error)
	Count(ctx context.Context, collection string) (int64, error)
	All(ctx context.Context, collection string) ([]storage.Document, error)
}

// Discoverer finds new subjects to research, each carrying the article
// that mentioned it as its source.
type Discoverer interface {
	Discover(ctx context.Context) ([]types.Subject, error)
}

// Option customises a Server.
type Option func(*Server)

// WithDiscoverer enables the alerts intake endpoint.
func WithDiscoverer(d Discoverer) Option {
	return func(s *Server) { s.discoverer = d }
}

// Server exposes the HTTP API.
type Server struct {
	jobs        *JobManager
	store       DocumentStore
	collections config.CollectionsConfig
	discoverer  Discoverer
	logger      *slog.Logger
	mux         *http.ServeMux
	handler     http.Handler
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(jobs *JobManager, store DocumentStore, collections config.CollectionsConfig, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		jobs:        jobs,
		store:       store,
		collections: collections,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.handler = withCORS(s.mux)
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/crawler/new/{search_key}", s.handleLaunch(types.KindFoodHall))
	s.mux.HandleFunc("/crawler/venues/new/{search_key}", s.handleLaunch(types.KindVenue))
	s.mux.HandleFunc("/crawler/new_halls_today", s.handleNewHallsToday)

	s.mux.HandleFunc("/api/foodhalls", s.handleList(s.collections.FoodHalls, "foodhalls"))
	s.mux.HandleFunc("/api/foodhalls/{$}", s.handleList(s.collections.FoodHalls, "foodhalls"))
	s.mux.HandleFunc("/api/foodhalls/count", s.handleCount(s.collections.FoodHalls, "foodhalls_count"))
	s.mux.HandleFunc("/api/venues", s.handleList(s.collections.Venues, "venues"))
	s.mux.HandleFunc("/api/venues/{$}", s.handleList(s.collections.Venues, "venues"))
	s.mux.HandleFunc("/api/venues/count", s.handleCount(s.collections.Venues, "venues_count"))
	s.mux.HandleFunc("/download_csv/{collection}", s.handleDownloadCSV)

	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/{id}", s.handleJob)
	s.mux.HandleFunc("/api/jobs/{id}/cancel", s.handleCancelJob)

	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleLaunch(kind types.SubjectKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		name := strings.TrimSpace(r.PathValue("search_key"))
		if name == "" {
			http.Error(w, "search_key is required", http.StatusBadRequest)
			return
		}
		job, err := s.jobs.Start(types.Subject{Kind: kind, Name: name, Source: r.URL.Query().Get("source")})
		if err != nil {
			if errors.Is(err, ErrShuttingDown) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, LaunchResponse{Status: "success", JobID: job.ID()})
	}
}

// handleNewHallsToday reads the alert sources, then queues food hall research
// for every hall they name. It answers once every job is queued.
func (s *Server) handleNewHallsToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if s.discoverer == nil {
		http.Error(w, "alerts intake is not configured", http.StatusNotImplemented)
		return
	}
	subjects, err := s.discoverer.Discover(r.Context())
	if err != nil {
		s.logger.Error("alerts intake failed", "error", err)
		http.Error(w, "failed to read alerts", http.StatusBadGateway)
		return
	}
	resp := IntakeResponse{Status: "success", Jobs: make([]IntakeLaunch, 0, len(subjects))}
	for _, subject := range subjects {
		subject.Kind = types.KindFoodHall
		job, err := s.jobs.Start(subject)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp.Jobs = append(resp.Jobs, IntakeLaunch{JobID: job.ID(), Subject: subject.Name, Source: subject.Source})
	}
	s.logger.Info("alerts intake queued research", "jobs", len(resp.Jobs))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(collection, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		opts, err := parsePaging(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		docs, err := s.store.Find(r.Context(), collection, opts)
		if err != nil {
			s.logger.Error("list documents failed", "collection", collection, "error", err)
			http.Error(w, "failed to list documents", http.StatusInternalServerError)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, map[string]any{key: docs})
	}
}

func (s *Server) handleCount(collection, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		n, err := s.store.Count(r.Context(), collection)
		if err != nil {
			s.logger.Error("count documents failed", "collection", collection, "error", err)
			http.Error(w, "failed to count documents", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{key: n})
	}
}

func (s *Server) handleDownloadCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	collection, err := s.resolveCollection(r.PathValue("collection"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if _, err := export.Collection(r.Context(), s.store, collection, &buf); err != nil {
		s.logger.Error("csv export failed", "collection", collection, "error", err)
		http.Error(w, "failed to export collection", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", collection+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// resolveCollection accepts a configured collection name or the kind alias
// used by the list routes.
func (s *Server) resolveCollection(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch name {
	case s.collections.Venues, s.collections.FoodHalls:
		if name != "" {
			return name, nil
		}
	}
	if kind, ok := types.ParseSubjectKind(name); ok {
		if kind == types.KindFoodHall {
			return s.collections.FoodHalls, nil
		}
		return s.collections.Venues, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, raw)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	err := s.jobs.Cancel(r.PathValue("id"), "cancelled via api")
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.NotFound(w, r)
	case errors.Is(err, ErrJobNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func parsePaging(r *http.Request) (storage.FindOptions, error) {
	opts := storage.FindOptions{Limit: 10}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return opts, fmt.Errorf("invalid limit %q", raw)
		}
		opts.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return opts, fmt.Errorf("invalid offset %q", raw)
		}
		opts.Offset = v
	}
	return opts, nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
