package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/edaloom/internal/analysis"
	"github.com/KaramelBytes/edaloom/internal/utils"
)

var (
	abOutputDir string
	abJSON      bool
	abQuiet     bool
	abFlags     datasetFlags
)

var analyzeBatchCmd = &cobra.Command{
	Use:   "analyze-batch <files...>",
	Short: "Summarize several datasets into an output directory",
	Example: `  edaloom analyze-batch 'data/*.csv' --output-dir summaries
  edaloom analyze-batch q1.xlsx q2.xlsx --sheet-name Totals --json --output-dir out`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := expandInputs(args)
		if err != nil {
			return err
		}
		if err := utils.EnsureDir(abOutputDir); err != nil {
			return fmt.Errorf("ensure output dir: %w", err)
		}
		opt := abFlags.summaryOptions()
		ext := ".summary.md"
		if abJSON {
			ext = ".summary.json"
		}

		out := cmd.OutOrStdout()
		total := len(files)
		var failed []string
		for i, path := range files {
			if !abQuiet {
				fmt.Fprintf(out, "[%d/%d] Processing %s...\n", i+1, total, filepath.Base(path))
			}
			t, err := loadDataset(path, abFlags, cfg)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", path, err)
				failed = append(failed, path)
				continue
			}
			rep := analysis.Summarize(t, opt)
			var body []byte
			if abJSON {
				if body, err = prettyNormalized(rep); err != nil {
					return err
				}
			} else {
				body = []byte(rep.Markdown())
			}

			dst := uniqueSummaryPath(abOutputDir, summaryBase(path, abFlags.sheetName), ext)
			if err := utils.SafeWriteFile(dst, body); err != nil {
				return err
			}
			if !abQuiet {
				fmt.Fprintf(out, "✓ Wrote %s\n", filepath.Base(dst))
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d files failed", len(failed), total)
		}
		return nil
	},
}

// expandInputs resolves globs and literal paths, dropping duplicates.
func expandInputs(args []string) ([]string, error) {
	var files []string
	seen := map[string]struct{}{}
	for _, arg := range args {
		matches, _ := filepath.Glob(arg)
		if len(matches) == 0 {
			if _, err := os.Stat(arg); err == nil {
				matches = []string{arg}
			}
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no input files matched")
	}
	sort.Strings(files)
	return files, nil
}

// summaryBase names a summary after the input file and, when given, the sheet.
func summaryBase(path, sheet string) string {
	base := filepath.Base(path)
	safe := strings.TrimSuffix(base, filepath.Ext(base))
	if sheet == "" {
		return safe
	}
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(sheet)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "sheet"
	}
	return safe + "__sheet-" + s
}

// uniqueSummaryPath appends __2, __3, ... until the name is free.
func uniqueSummaryPath(dir, base, ext string) string {
	p := filepath.Join(dir, base+ext)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p
	}
	for idx := 2; ; idx++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s__%d%s", base, idx, ext))
		if _, err := os.Stat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}

func init() {
	rootCmd.AddCommand(analyzeBatchCmd)
	analyzeBatchCmd.Flags().StringVar(&abOutputDir, "output-dir", "summaries", "directory for the summaries")
	analyzeBatchCmd.Flags().BoolVar(&abJSON, "json", false, "write normalized JSON summaries instead of Markdown")
	analyzeBatchCmd.Flags().BoolVar(&abQuiet, "quiet", false, "suppress progress output")
	abFlags.register(analyzeBatchCmd.Flags())
}
