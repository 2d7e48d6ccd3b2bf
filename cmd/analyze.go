package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/edaloom/internal/analysis"
)

var (
	anaOutputPath string
	anaJSON       bool
	anaFlags      datasetFlags
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Summarize a CSV/TSV/XLSX/JSON dataset locally (no model calls)",
	Example: `  edaloom analyze data/titanic.csv
  edaloom analyze sales.xlsx --sheet-name Q3 --json -o q3.json
  edaloom analyze survey.csv --group-by region --dedupe --fill-missing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := loadDataset(args[0], anaFlags, cfg)
		if err != nil {
			return err
		}
		rep := analysis.Summarize(t, anaFlags.summaryOptions())

		var out []byte
		if anaJSON {
			if out, err = prettyNormalized(rep); err != nil {
				return err
			}
			out = append(out, '\n')
		} else {
			out = []byte(rep.Markdown())
		}

		if anaOutputPath != "" {
			if err := os.WriteFile(anaOutputPath, out, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote analysis to %s\n", anaOutputPath)
			return nil
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVarP(&anaOutputPath, "output", "o", "", "optional path to write the summary")
	analyzeCmd.Flags().BoolVar(&anaJSON, "json", false, "emit normalized JSON instead of Markdown")
	anaFlags.register(analyzeCmd.Flags())
}
