package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KaramelBytes/edaloom/internal/ai"
	"github.com/KaramelBytes/edaloom/internal/metrics"
	"github.com/KaramelBytes/edaloom/internal/response"
)

// ErrProtocol marks a reply that never contained the required block.
var ErrProtocol = errors.New("response did not follow the block protocol")

// Step names one stage of the pipeline.
type Step string

const (
	StepStructure     Step = "structure"
	StepPlan          Step = "metrics-plan"
	StepMetricsCode   Step = "metrics-code"
	StepMetrics       Step = "metrics"
	StepAnalysis      Step = "analysis"
	StepReport        Step = "report"
	StepVisualization Step = "visualization"
)

// AllSteps lists the steps in execution order.
var AllSteps = []Step{
	StepStructure, StepPlan, StepMetricsCode, StepMetrics,
	StepAnalysis, StepReport, StepVisualization,
}

func (s Step) streams() bool { return s == StepAnalysis || s == StepReport }

// ParseSteps parses a comma separated step list. An empty string selects
// every step.
func ParseSteps(s string) ([]Step, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return AllSteps, nil
	}
	var out []Step
	for _, part := range strings.Split(s, ",") {
		name := Step(strings.ToLower(strings.TrimSpace(part)))
		if name == "" {
			continue
		}
		found := false
		for _, known := range AllSteps {
			if known == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown step %q", name)
		}
		out = append(out, name)
	}
	return out, nil
}

func selectSteps(steps []Step) map[Step]bool {
	if len(steps) == 0 {
		steps = AllSteps
	}
	sel := make(map[Step]bool, len(steps))
	for _, s := range steps {
		sel[s] = true
	}
	return sel
}

// Outcome collects the artifacts of a run. Metrics may hold NaN, so encode
// an Outcome with normalize.Marshal rather than encoding/json.
type Outcome struct {
	StartedAt         time.Time                  `json:"started_at"`
	Elapsed           time.Duration              `json:"elapsed"`
	Models            map[ai.Role]ai.ModelSpec   `json:"models,omitempty"`
	Structure         response.StructureAnalysis `json:"structure"`
	StructureOK       bool                       `json:"structure_ok"`
	Plan              response.MetricsPlan       `json:"metrics_plan"`
	PlanOK            bool                       `json:"metrics_plan_ok"`
	MetricsCode       string                     `json:"metrics_code,omitempty"`
	Metrics           *metrics.Results           `json:"metrics,omitempty"`
	Analysis          string                     `json:"analysis,omitempty"`
	FinalReport       string                     `json:"final_report,omitempty"`
	VisualizationCode string                     `json:"visualization_code,omitempty"`
	StepErrors        map[Step]string            `json:"step_errors,omitempty"`
}

func (o *Outcome) fail(step Step, err error) {
	if o.StepErrors == nil {
		o.StepErrors = map[Step]string{}
	}
	o.StepErrors[step] = err.Error()
}

func (o *Outcome) finish() *Outcome {
	o.Elapsed = time.Since(o.StartedAt)
	return o
}

// ExtractCode returns the body of the first fenced code block in text, or
// the trimmed text when there is none.
func ExtractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return strings.TrimSpace(text)
	}
	body := text[start+3:]
	// skip the language tag
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return strings.TrimSpace(text)
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
