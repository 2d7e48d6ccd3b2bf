package response

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const previewRunes = 300

// ColumnDescriptor is one column as described by the LLM. Description is
// nil when the record carried no description line.
type ColumnDescriptor struct {
	Name        string  `json:"name,omitempty"`
	Type        string  `json:"type,omitempty"`
	Description *string `json:"description,omitempty"`
}

// StructureAnalysis is the parsed column schema plus datetime candidates.
type StructureAnalysis struct {
	Columns            []ColumnDescriptor `json:"columns"`
	DatetimeCandidates []string           `json:"datetime_candidates"`
}

// Format renders the structure as plain text suitable for a follow-up prompt.
func (s StructureAnalysis) Format() string {
	var b strings.Builder
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "%s %s\n%s %s\n", LabelColumn, c.Name, LabelType, c.Type)
		if c.Description != nil {
			fmt.Fprintf(&b, "%s %s\n", LabelDescription, *c.Description)
		}
		b.WriteString("\n")
	}
	if len(s.DatetimeCandidates) > 0 {
		fmt.Fprintf(&b, "Datetime candidates: %s\n", strings.Join(s.DatetimeCandidates, ", "))
	}
	return strings.TrimSpace(b.String())
}

// MetricsPlan maps a column name to the metrics requested for it.
type MetricsPlan map[string][]string

// Columns returns the planned column names in sorted order.
func (p MetricsPlan) Columns() []string {
	out := make([]string, 0, len(p))
	for c := range p {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Format renders the plan back into the metrics block protocol.
func (p MetricsPlan) Format() string {
	var b strings.Builder
	b.WriteString(MetricsStart)
	b.WriteString("\n")
	for i, c := range p.Columns() {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s\n%s %s\n", LabelColumn, c, LabelMetrics, strings.Join(p[c], ", "))
	}
	b.WriteString(MetricsEnd)
	return b.String()
}

// Parser extracts structured results from LLM completions.
type Parser struct {
	log *zap.Logger
}

// New returns a Parser that reports protocol problems to log. A nil logger
// discards them.
func New(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log}
}

var defaultParser = New(nil)

// ParseStructure parses with a parser that discards log output.
func ParseStructure(text string) (StructureAnalysis, bool) {
	return defaultParser.ParseStructure(text)
}

// ParseMetricsPlan parses with a parser that discards log output.
func ParseMetricsPlan(text string) (MetricsPlan, bool) {
	return defaultParser.ParseMetricsPlan(text)
}

// ParseStructure extracts column descriptors and datetime candidates.
// ok is false when the columns block is missing; the returned value is then
// the zero StructureAnalysis and datetime candidates are not examined.
func (p *Parser) ParseStructure(text string) (StructureAnalysis, bool) {
	block, ok := Block(text, ColumnsStart, ColumnsEnd)
	if !ok {
		p.log.Warn("columns block not found in LLM response",
			zap.String("start_marker", ColumnsStart),
			zap.String("response_preview", preview(text, previewRunes)))
		return StructureAnalysis{}, false
	}

	res := StructureAnalysis{
		Columns:            []ColumnDescriptor{},
		DatetimeCandidates: []string{},
	}
	for _, rec := range Records(block) {
		var (
			col   ColumnDescriptor
			found bool
		)
		for _, line := range rec {
			if v, ok := labelValue(line, LabelColumn); ok {
				col.Name, found = v, true
			} else if v, ok := labelValue(line, LabelType); ok {
				col.Type, found = v, true
			} else if v, ok := labelValue(line, LabelDescription); ok {
				desc := v
				col.Description, found = &desc, true
			}
		}
		if found {
			res.Columns = append(res.Columns, col)
		}
	}

	if dt, ok := Block(text, DatetimeStart, DatetimeEnd); ok && dt != "" {
		res.DatetimeCandidates = SplitList(dt)
	}

	p.log.Debug("parsed structure analysis",
		zap.Int("columns", len(res.Columns)),
		zap.Int("datetime_candidates", len(res.DatetimeCandidates)))
	return res, true
}

// ParseMetricsPlan extracts the per-column metrics plan. The plan is never
// nil; ok is false when the metrics block is missing.
func (p *Parser) ParseMetricsPlan(text string) (MetricsPlan, bool) {
	plan := MetricsPlan{}
	block, ok := Block(text, MetricsStart, MetricsEnd)
	if !ok {
		p.log.Warn("metrics block not found in LLM response",
			zap.String("start_marker", MetricsStart),
			zap.String("response_preview", preview(text, previewRunes)))
		return plan, false
	}

	for _, rec := range Records(block) {
		column, metrics := "", []string{}
		for _, line := range rec {
			if v, ok := labelValue(line, LabelColumn); ok {
				column = v
			} else if v, ok := labelValue(line, LabelMetrics); ok {
				metrics = SplitList(v)
			}
		}
		// A blank column label names nothing.
		if column != "" {
			plan[column] = metrics
		}
	}

	p.log.Debug("parsed metrics plan", zap.Int("columns", len(plan)))
	return plan, true
}
