package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/analysis"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/session"
)

var (
	runSteps       string
	runNumPlots    int
	runStream      bool
	runFormat      string
	runOutputDir   string
	runPromptLimit int
	runTimeoutSec  int
	runFlags       datasetFlags
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run the full analysis pipeline on a dataset",
	Long: `Run summarizes the dataset, asks the analyst model for a column description and
a metrics plan, computes the metrics natively, then asks for an interpretation,
a final report and plotting code. Results are stored as a session under
<output_dir>/sessions and printed. Generated code is written to disk only.`,
	Example: `  edaloom run data/titanic.csv
  edaloom run sales.csv --steps structure,metrics-plan,metrics --format json
  edaloom run sales.csv --provider gemini --stream --output-dir ./report`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		format := strings.ToLower(runFormat)
		if format != "text" && format != "json" {
			return fmt.Errorf("unsupported --format: %s (use text|json)", runFormat)
		}
		steps, err := pipeline.ParseSteps(runSteps)
		if err != nil {
			return err
		}

		path := args[0]
		t, err := loadDataset(path, runFlags, c)
		if err != nil {
			return err
		}
		rep := analysis.Summarize(t, runFlags.summaryOptions())
		reportJSON, err := rep.JSON()
		if err != nil {
			return err
		}

		p, handles, err := newPipeline(c)
		if err != nil {
			return err
		}
		defer handles.Close()
		if cmd.Flags().Changed("num-plots") && runNumPlots > 0 {
			p.NumPlots = runNumPlots
		}
		p.MaxPromptTokens = runPromptLimit
		out := cmd.OutOrStdout()
		if runStream && format == "text" {
			var current pipeline.Step
			p.OnDelta = func(step pipeline.Step, d string) {
				if step != current {
					current = step
					fmt.Fprintf(out, "\n--- %s (streaming) ---\n", step)
				}
				fmt.Fprint(out, d)
			}
		}

		store, err := openStore(c)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read dataset: %w", err)
		}
		sess, err := store.Create(filepath.Base(path), data)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if runTimeoutSec > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(runTimeoutSec)*time.Second)
			defer cancel()
		}

		logger.Info("pipeline started",
			zap.String("session", sess.ID),
			zap.String("file", t.Name),
			zap.String("provider", c.Provider),
			zap.Int("steps", len(steps)))
		outcome, runErr := p.Run(ctx, t, rep, steps...)

		if _, err := store.Update(sess.ID, func(s *session.Session) error {
			s.Report = reportJSON
			s.ReportText = rep.Markdown()
			return applyOutcome(s, outcome)
		}); err != nil {
			return err
		}
		dir := runOutputDir
		if dir == "" {
			dir = store.Dir(sess.ID)
		}
		written, err := writeArtifacts(dir, outcome)
		if err != nil {
			return err
		}

		switch format {
		case "json":
			b, err := prettyNormalized(struct {
				SessionID string            `json:"session_id"`
				Outcome   *pipeline.Outcome `json:"outcome"`
				Artifacts []string          `json:"artifacts"`
			}{sess.ID, outcome, written})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
		default:
			if runStream {
				fmt.Fprintln(out)
			}
			printOutcome(out, outcome)
			fmt.Fprintf(out, "\nSession: %s\n", sess.ID)
			for _, w := range written {
				fmt.Fprintf(out, "  %s\n", w)
			}
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runSteps, "steps", "", "comma-separated steps to run (default: all): "+stepNames())
	f.IntVar(&runNumPlots, "num-plots", 0, "number of plots to request (overrides config)")
	f.BoolVar(&runStream, "stream", false, "stream narration as it is generated")
	f.StringVar(&runFormat, "format", "text", "output format: text|json")
	f.StringVar(&runOutputDir, "output-dir", "", "directory for artifacts (default: the session directory)")
	f.IntVar(&runPromptLimit, "prompt-limit", 0, "truncate the dataset description to about N tokens (0 = no limit)")
	f.IntVar(&runTimeoutSec, "timeout-sec", 0, "abort the whole run after N seconds (0 = no limit)")
	runFlags.register(f)
}

func stepNames() string {
	names := make([]string, len(pipeline.AllSteps))
	for i, s := range pipeline.AllSteps {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}
