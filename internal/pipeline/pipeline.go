// Package pipeline drives the exploratory analysis flow: the analyst model
// describes the dataset and plans metrics, the native engine computes them,
// and the models narrate the results and write plotting code.
//
// Code produced by the coder model is returned as text. Nothing here runs it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/KaramelBytes/edaloom/internal/ai"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/metrics"
	"github.com/KaramelBytes/edaloom/internal/normalize"
	"github.com/KaramelBytes/edaloom/internal/prompts"
	"github.com/KaramelBytes/edaloom/internal/response"
	"github.com/KaramelBytes/edaloom/internal/utils"
	"go.uber.org/zap"
)

// Completer sends a rendered prompt to the model bound to a role.
// *ai.Handles satisfies it.
type Completer interface {
	CompleteStream(ctx context.Context, role ai.Role, prompt string, onDelta func(string)) (string, error)
}

// Describer renders the dataset description the prompts embed.
// *analysis.Report implements it.
type Describer interface {
	Markdown() string
}

// Text is a description that was rendered earlier.
type Text string

func (t Text) Markdown() string { return string(t) }

type Pipeline struct {
	Handles    Completer
	Catalog    *prompts.Catalog
	Parser     *response.Parser
	Logger     *zap.Logger
	ModelSpecs map[ai.Role]ai.ModelSpec
	NumPlots   int
	// MaxRetries is how many extra attempts a protocol step gets when the
	// reply lacks the expected block.
	MaxRetries int
	// MaxPromptTokens caps the dataset description embedded in prompts.
	// Zero means no cap.
	MaxPromptTokens int
	// OnDelta, when set, receives streamed narration text.
	OnDelta func(step Step, delta string)
}

// New returns a pipeline with the built-in prompt catalog.
func New(h Completer, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		Handles:    h,
		Catalog:    prompts.Default(),
		Parser:     response.New(log),
		Logger:     log,
		NumPlots:   30,
		MaxRetries: 1,
	}
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) parser() *response.Parser {
	if p.Parser == nil {
		p.Parser = response.New(p.log())
	}
	return p.Parser
}

func (p *Pipeline) catalog() *prompts.Catalog {
	if p.Catalog == nil {
		p.Catalog = prompts.Default()
	}
	return p.Catalog
}

func (p *Pipeline) describe(report Describer) string {
	text := report.Markdown()
	if p.MaxPromptTokens > 0 && utils.CountTokens(text) > p.MaxPromptTokens {
		p.log().Warn("dataset description truncated",
			zap.Int("est_tokens", utils.CountTokens(text)),
			zap.Int("limit", p.MaxPromptTokens))
		text = utils.TruncateToTokenLimit(text, p.MaxPromptTokens)
	}
	return text
}

// ask renders a template and sends it to role.
func (p *Pipeline) ask(ctx context.Context, step Step, role ai.Role, tmpl string, vars map[string]string, suffix string) (string, error) {
	prompt, err := p.catalog().Render(tmpl, vars)
	if err != nil {
		return "", err
	}
	prompt += suffix
	var onDelta func(string)
	if p.OnDelta != nil && step.streams() {
		onDelta = func(d string) { p.OnDelta(step, d) }
	}
	start := time.Now()
	p.log().Debug("prompt prepared",
		zap.String("step", string(step)),
		zap.String("role", string(role)),
		zap.Int("est_tokens", utils.CountTokens(prompt)))
	out, err := p.Handles.CompleteStream(ctx, role, prompt, onDelta)
	if err != nil {
		return "", fmt.Errorf("%s: %w", step, err)
	}
	p.log().Info("step completed",
		zap.String("step", string(step)),
		zap.Int("reply_tokens", utils.CountTokens(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// askProtocol repeats a protocol step while parse rejects the reply. Each
// retry appends a reminder naming the required markers.
func (p *Pipeline) askProtocol(ctx context.Context, step Step, tmpl string, vars map[string]string, reminder string, parse func(string) bool) (string, bool, error) {
	var last string
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		suffix := ""
		if attempt > 0 {
			suffix = reminder
			p.log().Warn("protocol block missing, retrying",
				zap.String("step", string(step)),
				zap.Int("attempt", attempt+1))
		}
		out, err := p.ask(ctx, step, ai.RoleAnalyst, tmpl, vars, suffix)
		if err != nil {
			return "", false, err
		}
		last = out
		if parse(out) {
			return out, true, nil
		}
	}
	return last, false, nil
}

// AnalyzeStructure asks the analyst to describe every column of the dataset
// described by report.
func (p *Pipeline) AnalyzeStructure(ctx context.Context, report Describer) (response.StructureAnalysis, bool, error) {
	var res response.StructureAnalysis
	vars := map[string]string{"file_info": p.describe(report)}
	_, ok, err := p.askProtocol(ctx, StepStructure, prompts.StructAnalyze, vars, structureReminder, func(s string) bool {
		var ok bool
		res, ok = p.parser().ParseStructure(s)
		return ok
	})
	return res, ok, err
}

// PlanMetrics asks the analyst which metrics to compute for each column.
func (p *Pipeline) PlanMetrics(ctx context.Context, structure response.StructureAnalysis) (response.MetricsPlan, bool, error) {
	plan := response.MetricsPlan{}
	vars := map[string]string{"data_structure": structure.Format()}
	_, ok, err := p.askProtocol(ctx, StepPlan, prompts.MetricsPlan, vars, metricsReminder, func(s string) bool {
		var ok bool
		plan, ok = p.parser().ParseMetricsPlan(s)
		return ok
	})
	return plan, ok, err
}

// GenerateMetricsCode asks the coder for a script computing plan.
func (p *Pipeline) GenerateMetricsCode(ctx context.Context, plan response.MetricsPlan, report Describer) (string, error) {
	out, err := p.ask(ctx, StepMetricsCode, ai.RoleCoder, prompts.MetricsCodeGen, map[string]string{
		"metrics_plan":      plan.Format(),
		"df_structure_info": p.describe(report),
	}, "")
	if err != nil {
		return "", err
	}
	return ExtractCode(out), nil
}

// ComputeMetrics evaluates plan natively and returns the raw results along
// with their normalized JSON encoding.
func (p *Pipeline) ComputeMetrics(t *dataset.Table, plan response.MetricsPlan) (*metrics.Results, []byte, error) {
	res := metrics.Compute(t, plan)
	if len(res.MissingColumns) > 0 {
		p.log().Warn("planned columns not in dataset", zap.Strings("columns", res.MissingColumns))
	}
	for col, names := range res.Unsupported {
		p.log().Warn("unsupported metrics skipped", zap.String("column", col), zap.Strings("metrics", names))
	}
	raw, err := normalize.Marshal(res.Values)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metrics: %w", err)
	}
	return res, raw, nil
}

// Narrate asks the analyst to interpret computed metrics.
func (p *Pipeline) Narrate(ctx context.Context, metricsJSON []byte) (string, error) {
	return p.ask(ctx, StepAnalysis, ai.RoleAnalyst, prompts.DataAnalyze,
		map[string]string{"metrics_results_raw": string(metricsJSON)}, "")
}

// FinalReport condenses the narration into the closing report.
func (p *Pipeline) FinalReport(ctx context.Context, summary string) (string, error) {
	return p.ask(ctx, StepReport, ai.RoleAnalyst, prompts.FinalReport,
		map[string]string{"analysis_summary": summary}, "")
}

// GenerateVisualizationCode asks the coder for plotting code over the results.
func (p *Pipeline) GenerateVisualizationCode(ctx context.Context, metricsJSON []byte, structure response.StructureAnalysis) (string, error) {
	n := p.NumPlots
	if n <= 0 {
		n = 30
	}
	out, err := p.ask(ctx, StepVisualization, ai.RoleCoder, prompts.VisualizationCode, map[string]string{
		"num_plots":           strconv.Itoa(n),
		"metrics_results_raw": string(metricsJSON),
		"data_structure":      structure.Format(),
	}, "")
	if err != nil {
		return "", err
	}
	return ExtractCode(out), nil
}

// Run executes the selected steps in order. Protocol failures and step
// errors are recorded on the outcome and later steps proceed with what is
// available; an unreachable runtime or a cancelled context stops the run.
func (p *Pipeline) Run(ctx context.Context, t *dataset.Table, report Describer, steps ...Step) (*Outcome, error) {
	sel := selectSteps(steps)
	out := &Outcome{StartedAt: time.Now(), Models: p.ModelSpecs}

	fatal := func(step Step, err error) bool {
		if err == nil {
			return false
		}
		out.fail(step, err)
		return ai.IsUnreachable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}

	if sel[StepStructure] {
		s, ok, err := p.AnalyzeStructure(ctx, report)
		if fatal(StepStructure, err) {
			return out.finish(), err
		}
		out.Structure, out.StructureOK = s, ok
		if err == nil && !ok {
			out.fail(StepStructure, ErrProtocol)
		}
	}
	if sel[StepPlan] {
		plan, ok, err := p.PlanMetrics(ctx, out.Structure)
		if fatal(StepPlan, err) {
			return out.finish(), err
		}
		out.Plan, out.PlanOK = plan, ok
		if err == nil && !ok {
			out.fail(StepPlan, ErrProtocol)
		}
	}
	if out.Plan == nil {
		out.Plan = response.MetricsPlan{}
	}
	if sel[StepMetricsCode] {
		code, err := p.GenerateMetricsCode(ctx, out.Plan, report)
		if fatal(StepMetricsCode, err) {
			return out.finish(), err
		}
		out.MetricsCode = code
	}
	var raw []byte
	if sel[StepMetrics] {
		res, b, err := p.ComputeMetrics(t, out.Plan)
		if err != nil {
			out.fail(StepMetrics, err)
		} else {
			out.Metrics, raw = res, b
		}
	}
	if raw == nil {
		raw = []byte("{}")
	}
	if sel[StepAnalysis] {
		text, err := p.Narrate(ctx, raw)
		if fatal(StepAnalysis, err) {
			return out.finish(), err
		}
		out.Analysis = text
	}
	if sel[StepReport] && out.Analysis != "" {
		text, err := p.FinalReport(ctx, out.Analysis)
		if fatal(StepReport, err) {
			return out.finish(), err
		}
		out.FinalReport = text
	}
	if sel[StepVisualization] {
		code, err := p.GenerateVisualizationCode(ctx, raw, out.Structure)
		if fatal(StepVisualization, err) {
			return out.finish(), err
		}
		out.VisualizationCode = code
	}
	return out.finish(), nil
}

const (
	structureReminder = "\n\nIMPORTANT: wrap the column descriptions between " +
		response.ColumnsStart + " and " + response.ColumnsEnd +
		" exactly as shown above, and list datetime columns between " +
		response.DatetimeStart + " and " + response.DatetimeEnd + "."
	metricsReminder = "\n\nIMPORTANT: wrap the plan between " +
		response.MetricsStart + " and " + response.MetricsEnd +
		" exactly as shown above, one column per paragraph."
)
