package session

import (
	"encoding/json"
	"time"

	"github.com/KaramelBytes/edaloom/internal/response"
)

// Session is one uploaded dataset and the artifacts produced for it.
type Session struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	DatasetPath string    `json:"dataset_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Report is the normalized local summary; ReportText is its markdown
	// rendering, which the prompts consume.
	Report            json.RawMessage            `json:"report,omitempty"`
	ReportText        string                     `json:"report_text,omitempty"`
	Structure         response.StructureAnalysis `json:"structure"`
	StructureOK       bool                       `json:"structure_ok"`
	Plan              response.MetricsPlan       `json:"metrics_plan,omitempty"`
	PlanOK            bool                       `json:"metrics_plan_ok"`
	MetricsCode       string                     `json:"metrics_code,omitempty"`
	Metrics           json.RawMessage            `json:"metrics,omitempty"`
	Analysis          string                     `json:"analysis,omitempty"`
	FinalReport       string                     `json:"final_report,omitempty"`
	VisualizationCode string                     `json:"visualization_code,omitempty"`
	StepErrors        map[string]string          `json:"step_errors,omitempty"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Steps     []string  `json:"steps"`
}

// Summary reports which artifacts the session holds.
func (s *Session) Summary() Summary {
	steps := []string{}
	add := func(name string, done bool) {
		if done {
			steps = append(steps, name)
		}
	}
	add("structure", s.StructureOK)
	add("metrics-plan", s.PlanOK)
	add("metrics-code", s.MetricsCode != "")
	add("metrics", len(s.Metrics) > 0)
	add("analysis", s.Analysis != "")
	add("report", s.FinalReport != "")
	add("visualization", s.VisualizationCode != "")
	return Summary{ID: s.ID, FileName: s.FileName, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt, Steps: steps}
}

// SetStepError records err for step; a nil err clears it.
func (s *Session) SetStepError(step string, err error) {
	if err == nil {
		delete(s.StepErrors, step)
		return
	}
	if s.StepErrors == nil {
		s.StepErrors = map[string]string{}
	}
	s.StepErrors[step] = err.Error()
}

func (s *Session) clone() *Session {
	c := *s
	if s.StepErrors != nil {
		c.StepErrors = make(map[string]string, len(s.StepErrors))
		for k, v := range s.StepErrors {
			c.StepErrors[k] = v
		}
	}
	if s.Plan != nil {
		c.Plan = make(response.MetricsPlan, len(s.Plan))
		for k, v := range s.Plan {
			c.Plan[k] = append([]string(nil), v...)
		}
	}
	c.Metrics = append(json.RawMessage(nil), s.Metrics...)
	c.Report = append(json.RawMessage(nil), s.Report...)
	return &c
}
