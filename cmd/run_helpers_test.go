package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KaramelBytes/edaloom/internal/ai"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/metrics"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/response"
	"github.com/KaramelBytes/edaloom/internal/session"
)

func TestParseDelimiter(t *testing.T) {
	cases := map[string]rune{"": 0, ",": ',', ";": ';', "|": '|', "tab": '\t', `\t`: '\t'}
	for in, want := range cases {
		got, err := parseDelimiter(in)
		if err != nil || got != want {
			t.Fatalf("parseDelimiter(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := parseDelimiter("::"); err == nil {
		t.Fatalf("expected an error for an unsupported delimiter")
	}
}

func sampleOutcome() *pipeline.Outcome {
	return &pipeline.Outcome{
		Structure: response.StructureAnalysis{
			Columns: []response.ColumnDescriptor{{Name: "Age", Type: "числовой"}},
		},
		StructureOK: true,
		Plan:        response.MetricsPlan{"Age": {"mean", "std"}},
		PlanOK:      true,
		Metrics: &metrics.Results{
			Values: map[string]map[string]any{"Age": {"mean": 31.5, "std": math.NaN()}},
		},
		Analysis:   "Ages look plausible.",
		StepErrors: map[pipeline.Step]string{pipeline.StepReport: "upstream failed"},
	}
}

func TestApplyOutcome(t *testing.T) {
	s := &session.Session{StepErrors: map[string]string{"structure": "stale"}}
	if err := applyOutcome(s, sampleOutcome()); err != nil {
		t.Fatalf("applyOutcome: %v", err)
	}
	if !s.StructureOK || !s.PlanOK || s.Analysis != "Ages look plausible." {
		t.Fatalf("artifacts not copied: %+v", s)
	}
	if got := string(s.Metrics); got != `{"Age":{"mean":31.5,"std":"nan"}}` {
		t.Fatalf("metrics = %s", got)
	}
	if _, stale := s.StepErrors["structure"]; stale || s.StepErrors["report"] != "upstream failed" {
		t.Fatalf("step errors = %v", s.StepErrors)
	}
}

func TestWriteArtifactsSkipsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	written, err := writeArtifacts(dir, sampleOutcome())
	if err != nil {
		t.Fatalf("writeArtifacts: %v", err)
	}
	var names []string
	for _, p := range written {
		names = append(names, filepath.Base(p))
	}
	want := "structure.json,metrics_plan.txt,metrics.json,analysis.md"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("written = %s, want %s", got, want)
	}
	b, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	if err != nil {
		t.Fatalf("read metrics.json: %v", err)
	}
	if !strings.Contains(string(b), `"std": "nan"`) {
		t.Fatalf("NaN not normalized:\n%s", b)
	}
	plan, _ := os.ReadFile(filepath.Join(dir, "metrics_plan.txt"))
	if !strings.HasPrefix(string(plan), response.MetricsStart) {
		t.Fatalf("plan not in block form:\n%s", plan)
	}
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	out := sampleOutcome()
	out.Metrics.MissingColumns = []string{"Fare"}
	printOutcome(&buf, out)
	s := buf.String()
	for _, want := range []string{"✓ Structure: 1 columns", "not in dataset: Fare", "✗ report: upstream failed", "--- Analysis ---"} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %q:\n%s", want, s)
		}
	}
}

func TestSummaryBaseAndUniquePath(t *testing.T) {
	if got := summaryBase("/data/sales.xlsx", ""); got != "sales" {
		t.Fatalf("summaryBase = %q", got)
	}
	if got := summaryBase("/data/sales.xlsx", "Q3 Totals!"); got != "sales__sheet-q3-totals" {
		t.Fatalf("summaryBase with sheet = %q", got)
	}
	if got := summaryBase("a.xlsx", "!!"); got != "a__sheet-sheet" {
		t.Fatalf("summaryBase with empty sheet slug = %q", got)
	}

	dir := t.TempDir()
	first := uniqueSummaryPath(dir, "m", ".md")
	if filepath.Base(first) != "m.md" {
		t.Fatalf("first = %s", first)
	}
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "m__2.md"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := filepath.Base(uniqueSummaryPath(dir, "m", ".md")); got != "m__3.md" {
		t.Fatalf("next = %s", got)
	}
}

func TestErrorHint(t *testing.T) {
	unreachable := fmt.Errorf("structure: %w", &ai.UnreachableError{Host: "http://127.0.0.1:1", Err: errors.New("refused")})
	if h := errorHint(unreachable); !strings.Contains(h, "ollama serve") || !strings.Contains(h, "127.0.0.1:1") {
		t.Fatalf("hint = %q", h)
	}
	if h := errorHint(fmt.Errorf("x.doc: %w", dataset.ErrUnsupportedFormat)); !strings.Contains(h, "supported_formats") {
		t.Fatalf("hint = %q", h)
	}
	if h := errorHint(errors.New("boom")); h != "" {
		t.Fatalf("expected no hint, got %q", h)
	}
}
