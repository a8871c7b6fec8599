package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"venuescout/internal/storage"
)

var listOpts storage.FindOptions

var listCmd = &cobra.Command{
	Use:   "list COLLECTION [--limit N] [--offset N]",
	Short: "Lists documents of a collection, most recently updated first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		store, err := e.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		collection := e.collectionName(args[0])
		docs, err := store.Find(cmd.Context(), collection, listOpts)
		if err != nil {
			return err
		}
		total, err := store.Count(cmd.Context(), collection)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Name", "Fields", "Updated"})
		for _, d := range docs {
			updated := ""
			if ts, ok := d[storage.KeyUpdatedAt].(time.Time); ok {
				updated = ts.Format(time.ANSIC)
			}
			t.AppendRow(table.Row{d.Name(), len(d) - 4, updated})
		}
		t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d of %d", len(docs), total)})
		t.Render()
		return nil
	},
}

func init() {
	listCmd.Flags().IntVar(&listOpts.Limit, "limit", 20, "Maximum documents to show. 0 shows all.")
	listCmd.Flags().IntVar(&listOpts.Offset, "offset", 0, "Documents to skip.")
	rootCmd.AddCommand(listCmd)
}
