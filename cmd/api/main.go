package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"venuescout/internal/alerts"
	"venuescout/internal/api"
	"venuescout/internal/config"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/research"
	"venuescout/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	maxConcFlag := flag.Int("max-concurrency", 0, "Maximum concurrent research jobs")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *maxConcFlag > 0 {
		cfg.Server.MaxConcurrency = *maxConcFlag
	}

	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DB)
	if err != nil {
		logger.Error("initialise document store failed", "error", err)
		log.Fatalf("failed to initialise document store: %v", err)
	}
	defer store.Close()

	factory, err := fetcher.NewFactory(*cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise browser factory: %v", err)
	}
	client := llm.NewChatClient(cfg.LLM)
	researcher := research.NewFromConfig(*cfg, factory, client, store, logger)
	jobs := api.NewJobManager(ctx, researcher, cfg.Server.MaxConcurrency, cfg.Server.HistoryLimit, logger)
	var opts []api.Option
	if len(cfg.Alerts.Feeds) > 0 || cfg.Alerts.PageURL != "" {
		opts = append(opts, api.WithDiscoverer(alerts.NewFromConfig(*cfg, factory, client, logger)))
	}
	server := api.NewServer(jobs, store, cfg.Collections, logger, opts...)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		jobs.Shutdown()
	}()

	logger.Info("api server listening", "addr", cfg.Server.Addr, "max_concurrency", cfg.Server.MaxConcurrency, "db_driver", cfg.DB.Driver)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	jobs.Shutdown()
	logger.Info("api server stopped")
}
