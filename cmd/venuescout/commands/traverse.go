package commands

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"venuescout/internal/crawler"
	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/research"
)

var traverseOpts struct {
	facts    []string
	subject  string
	maxPages int
	budget   int
}

var traverseCmd = &cobra.Command{
	Use:   "traverse URL --facts a,b [--max-pages N] [--budget N]",
	Short: "Walks a website looking for the given facts and prints what it found.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if traverseOpts.maxPages <= 0 {
			traverseOpts.maxPages = e.cfg.Traversal.MaxPageVisits
		}
		if traverseOpts.budget <= 0 {
			traverseOpts.budget = e.cfg.Traversal.TokenBudget
		}

		factory, err := fetcher.NewFactory(*e.cfg, e.logger)
		if err != nil {
			return err
		}
		browser, err := factory.NewBrowser(cmd.Context())
		if err != nil {
			return fmt.Errorf("open browser: %w", err)
		}
		defer browser.Close()

		client := llm.NewChatClient(e.cfg.LLM)
		scraper := crawler.NewScraperFromConfig(*e.cfg, e.logger)
		traverser := crawler.NewTraverserFromConfig(*e.cfg, client, scraper, research.RobotsGate(*e.cfg, e.logger), e.logger)

		result, err := traverser.Traverse(cmd.Context(), browser, crawler.TraverseRequest{
			StartURL:      args[0],
			Subject:       traverseOpts.subject,
			Facts:         traverseOpts.facts,
			MaxPageVisits: traverseOpts.maxPages,
			TokenBudget:   traverseOpts.budget,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "stopped: %s after %d page(s), ~%d tokens\n", result.StopReason, len(result.Visited), result.TokensUsed)

		keys := make([]string, 0, len(result.Facts))
		for k := range result.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := newTable(out)
		t.AppendHeader(table.Row{"Fact", "Status", "Value", "Source"})
		for _, k := range keys {
			o := result.Facts[k]
			value := ""
			if o.Status == llm.Found {
				value = fmt.Sprint(o.Value)
			}
			t.AppendRow(table.Row{k, o.Status.String(), value, o.Source})
		}
		t.Render()

		visited := newTable(out)
		visited.AppendHeader(table.Row{"#", "Visited"})
		for i, u := range result.Visited {
			visited.AppendRow(table.Row{i + 1, u})
		}
		visited.Render()
		return nil
	},
}

func init() {
	traverseCmd.Flags().StringSliceVar(&traverseOpts.facts, "facts", nil, "Comma separated fact names to look for.")
	traverseCmd.Flags().StringVar(&traverseOpts.subject, "subject", "", "Name of the place the site belongs to.")
	traverseCmd.Flags().IntVar(&traverseOpts.maxPages, "max-pages", 0, "Maximum page visits. Defaults to the configured value.")
	traverseCmd.Flags().IntVar(&traverseOpts.budget, "budget", 0, "Approximate token budget. Defaults to the configured value.")
	_ = traverseCmd.MarkFlagRequired("facts")
	rootCmd.AddCommand(traverseCmd)
}
