package commands

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"venuescout/internal/fetcher"
	"venuescout/internal/llm"
	"venuescout/internal/research"
	"venuescout/pkg/types"
)

var researchSource string

var researchCmd = &cobra.Command{
	Use:   "research <venue|hall> NAME",
	Short: "Researches one venue or food hall and stores what it finds.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := types.ParseSubjectKind(args[0])
		if !ok {
			return fmt.Errorf("unknown subject kind %q, want venue or hall", args[0])
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		store, err := e.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		factory, err := fetcher.NewFactory(*e.cfg, e.logger)
		if err != nil {
			return err
		}
		r := research.NewFromConfig(*e.cfg, factory, llm.NewChatClient(e.cfg.LLM), store, e.logger)

		report, err := r.Run(cmd.Context(), types.Subject{
			Kind:   kind,
			Name:   strings.Join(args[1:], " "),
			Source: researchSource,
		})
		if report != nil {
			printReport(cmd, report)
		}
		return err
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchSource, "source", "", "Article URL stored as article_source on a new document.")
	rootCmd.AddCommand(researchCmd)
}

func printReport(cmd *cobra.Command, report *research.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s -> %s\n", report.Subject.Name, report.Collection)

	t := newTable(out)
	t.AppendHeader(table.Row{"Attribute", "Status", "Value", "Source"})
	for _, task := range report.Tasks {
		status := task.Outcome.Status.String()
		if !task.Ran {
			status = "skipped"
		}
		value := ""
		switch {
		case task.Outcome.Status == llm.Found:
			value = fmt.Sprint(task.Outcome.Value)
		case task.Outcome.Reason != "":
			value = task.Outcome.Reason
		}
		t.AppendRow(table.Row{task.Attribute, status, value, task.Outcome.Source})
	}
	t.Render()
}
