package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/analysis"
	cfgpkg "github.com/KaramelBytes/edaloom/internal/config"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/normalize"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/session"
	"github.com/KaramelBytes/edaloom/internal/utils"
)

// datasetFlags are the loading and summary flags shared by analyze,
// analyze-batch and run.
type datasetFlags struct {
	delimiter   string
	sheetName   string
	sheetIndex  int
	sampleRows  int
	maxRows     int
	dedupe      bool
	fillMissing bool
	groupBy     []string
	corr        bool
	corrGroups  bool
	outliers    bool
	outlierThr  float64
}

func (d *datasetFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&d.delimiter, "delimiter", "", "CSV delimiter: ',' | ';' | '|' | 'tab' (sniffed if omitted)")
	fs.StringVar(&d.sheetName, "sheet-name", "", "XLSX: sheet name to load")
	fs.IntVar(&d.sheetIndex, "sheet-index", 1, "XLSX: 1-based sheet index (used if --sheet-name not provided)")
	fs.IntVar(&d.sampleRows, "sample-rows", 5, "number of sample rows to include in the summary")
	fs.IntVar(&d.maxRows, "max-rows", 100000, "maximum rows to summarize (0 = unlimited)")
	fs.BoolVar(&d.dedupe, "dedupe", false, "drop duplicate rows before analysis")
	fs.BoolVar(&d.fillMissing, "fill-missing", false, "fill missing numeric cells with the column median")
	fs.StringSliceVar(&d.groupBy, "group-by", nil, "comma-separated column names to group by (repeatable)")
	fs.BoolVar(&d.corr, "correlations", true, "compute Pearson correlations among numeric columns")
	fs.BoolVar(&d.corrGroups, "corr-per-group", false, "compute correlation pairs within each group (may be slower)")
	fs.BoolVar(&d.outliers, "outliers", true, "compute robust outlier counts (MAD)")
	fs.Float64Var(&d.outlierThr, "outlier-threshold", 3.5, "robust |z| threshold for outliers (MAD-based)")
}

func parseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case ",":
		return ',', nil
	case ";":
		return ';', nil
	case "|":
		return '|', nil
	case "\t", "tab", "\\t":
		return '\t', nil
	}
	return 0, fmt.Errorf("unsupported --delimiter: %s", s)
}

// loadOptions combines the flags with the configured size and format limits.
// A nil config applies no limits.
func (d datasetFlags) loadOptions(c *cfgpkg.Global) (dataset.LoadOptions, error) {
	delim, err := parseDelimiter(d.delimiter)
	if err != nil {
		return dataset.LoadOptions{}, err
	}
	opt := dataset.LoadOptions{Delimiter: delim, Sheet: d.sheetName, SheetIndex: d.sheetIndex}
	if c != nil {
		opt.MaxBytes = c.MaxFileSizeBytes()
		opt.Formats = c.SupportedFormats
	}
	return opt, nil
}

func (d datasetFlags) summaryOptions() analysis.Options {
	opt := analysis.DefaultOptions()
	if d.sampleRows >= 0 {
		opt.SampleRows = d.sampleRows
	}
	if d.maxRows >= 0 {
		opt.MaxRows = d.maxRows
	}
	opt.GroupBy = d.groupBy
	opt.Correlations = d.corr
	opt.CorrPerGroup = d.corrGroups
	opt.Outliers = d.outliers
	if d.outlierThr > 0 {
		opt.OutlierThreshold = d.outlierThr
	}
	return opt
}

// loadDataset reads path and applies the optional cleaning flags.
func loadDataset(path string, d datasetFlags, c *cfgpkg.Global) (*dataset.Table, error) {
	opt, err := d.loadOptions(c)
	if err != nil {
		return nil, err
	}
	t, err := dataset.Load(path, opt)
	if err != nil {
		return nil, err
	}
	if d.dedupe {
		if n := t.DropDuplicates(); n > 0 {
			logger.Info("duplicate rows dropped", zap.String("file", t.Name), zap.Int("rows", n))
		}
	}
	if d.fillMissing {
		if n := t.FillMissingNumeric(); n > 0 {
			logger.Info("missing numeric cells filled", zap.String("file", t.Name), zap.Int("cells", n))
		}
	}
	logger.Debug("dataset loaded", zap.String("file", t.Name), zap.Int("rows", t.NumRows()), zap.Int("columns", t.NumCols()))
	return t, nil
}

// prettyNormalized encodes v through the normalizer with indentation.
func prettyNormalized(v any) ([]byte, error) {
	raw, err := normalize.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("indent json: %w", err)
	}
	return buf.Bytes(), nil
}

// applyOutcome copies run artifacts onto a session.
func applyOutcome(s *session.Session, out *pipeline.Outcome) error {
	s.Structure, s.StructureOK = out.Structure, out.StructureOK
	s.Plan, s.PlanOK = out.Plan, out.PlanOK
	s.MetricsCode = out.MetricsCode
	if out.Metrics != nil {
		raw, err := normalize.Marshal(out.Metrics.Values)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		s.Metrics = raw
	}
	s.Analysis = out.Analysis
	s.FinalReport = out.FinalReport
	s.VisualizationCode = out.VisualizationCode
	s.StepErrors = nil
	for step, msg := range out.StepErrors {
		if s.StepErrors == nil {
			s.StepErrors = map[string]string{}
		}
		s.StepErrors[string(step)] = msg
	}
	return nil
}

// writeArtifacts saves each non-empty artifact of out under dir and returns
// the written paths in a stable order.
func writeArtifacts(dir string, out *pipeline.Outcome) ([]string, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("ensure output dir: %w", err)
	}
	type artifact struct {
		name string
		data func() ([]byte, error)
		keep bool
	}
	text := func(s string) func() ([]byte, error) {
		return func() ([]byte, error) { return []byte(strings.TrimRight(s, "\n") + "\n"), nil }
	}
	arts := []artifact{
		{"structure.json", func() ([]byte, error) { return utils.PrettyJSON(out.Structure) }, out.StructureOK},
		{"metrics_plan.txt", text(out.Plan.Format()), out.PlanOK},
		{"metrics_code.py", text(out.MetricsCode), out.MetricsCode != ""},
		{"metrics.json", func() ([]byte, error) { return prettyNormalized(out.Metrics) }, out.Metrics != nil},
		{"analysis.md", text(out.Analysis), out.Analysis != ""},
		{"final_report.md", text(out.FinalReport), out.FinalReport != ""},
		{"visualization.py", text(out.VisualizationCode), out.VisualizationCode != ""},
	}
	var written []string
	for _, a := range arts {
		if !a.keep {
			continue
		}
		b, err := a.data()
		if err != nil {
			return written, fmt.Errorf("%s: %w", a.name, err)
		}
		path := filepath.Join(dir, a.name)
		if err := utils.SafeWriteFile(path, b); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// printOutcome renders a human-readable run summary.
func printOutcome(w io.Writer, out *pipeline.Outcome) {
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	fmt.Fprintf(w, "%s Structure: %d columns described\n", mark(out.StructureOK), len(out.Structure.Columns))
	fmt.Fprintf(w, "%s Metrics plan: %d columns\n", mark(out.PlanOK), len(out.Plan))
	if out.Metrics != nil {
		fmt.Fprintf(w, "✓ Metrics computed for %d columns\n", len(out.Metrics.Values))
		if len(out.Metrics.MissingColumns) > 0 {
			fmt.Fprintf(w, "  ⚠ not in dataset: %s\n", strings.Join(out.Metrics.MissingColumns, ", "))
		}
	}
	for _, step := range pipeline.AllSteps {
		if msg, ok := out.StepErrors[step]; ok {
			fmt.Fprintf(w, "✗ %s: %s\n", step, msg)
		}
	}
	if out.Analysis != "" {
		fmt.Fprintf(w, "\n--- Analysis ---\n%s\n", strings.TrimSpace(out.Analysis))
	}
	if out.FinalReport != "" {
		fmt.Fprintf(w, "\n--- Final report ---\n%s\n", strings.TrimSpace(out.FinalReport))
	}
}
