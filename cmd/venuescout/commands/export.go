package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"venuescout/internal/export"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export COLLECTION [-o file.csv]",
	Short: "Writes a collection as CSV to a file or stdout.",
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
		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			defer f.Close()
			w = f
		}
		n, err := export.Collection(cmd.Context(), store, collection, w)
		if err != nil {
			return err
		}
		e.logger.Info("exported collection", "collection", collection, "rows", n, "output", exportOutput)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file. Defaults to stdout.")
	rootCmd.AddCommand(exportCmd)
}
