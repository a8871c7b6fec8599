package commands

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"venuescout/internal/alerts"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/research"
)

var alertsResearch bool

var alertsCmd = &cobra.Command{
	Use:   "alerts [--research]",
	Short: "Lists food halls named in today's alert articles, optionally researching each.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		factory, err := fetcher.NewFactory(*e.cfg, e.logger)
		if err != nil {
			return err
		}
		client := llm.NewChatClient(e.cfg.LLM)
		subjects, err := alerts.NewFromConfig(*e.cfg, factory, client, e.logger).Discover(cmd.Context())
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"#", "Food hall", "Article"})
		for i, s := range subjects {
			t.AppendRow(table.Row{i + 1, s.Name, s.Source})
		}
		t.Render()
		if !alertsResearch || len(subjects) == 0 {
			return nil
		}

		store, err := e.openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		r := research.NewFromConfig(*e.cfg, factory, client, store, e.logger)
		var errs []error
		for _, subject := range subjects {
			report, err := r.Run(cmd.Context(), subject)
			if report != nil {
				printReport(cmd, report)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", subject.Name, err))
			}
			if cmd.Context().Err() != nil {
				break
			}
		}
		return errors.Join(errs...)
	},
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsResearch, "research", false, "Research every food hall found, one after another.")
	rootCmd.AddCommand(alertsCmd)
}
