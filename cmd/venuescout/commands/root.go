// Package commands implements the venuescout command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"venuescout/internal/config"
	"venuescout/internal/storage"
	"venuescout/pkg/types"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "venuescout",
	Short:         "venuescout researches music venues and food halls from the web.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to the configuration file.")
}

// ExecuteContext runs the command line and exits non-zero on error.
func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand loads first.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) openStore() (*storage.Store, error) {
	store, err := storage.Open(e.cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// collectionName maps "venues"/"halls" style aliases to the configured
// collection and passes anything else through.
func (e *env) collectionName(raw string) string {
	if kind, ok := types.ParseSubjectKind(raw); ok {
		if kind == types.KindFoodHall {
			return e.cfg.Collections.FoodHalls
		}
		return e.cfg.Collections.Venues
	}
	return strings.TrimSpace(raw)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}
