package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/KaramelBytes/edaloom/internal/normalize"
)

// Column kinds reported by Summarize.
const (
	KindNumeric     = "numeric"
	KindDatetime    = "datetime"
	KindCategorical = "categorical"
	KindText        = "text"
	KindUnknown     = "unknown"
)

// Report is a markdown-friendly analysis of a tabular dataset.
type Report struct {
	Name      string          `json:"name"`
	Rows      int             `json:"rows"`
	Processed int             `json:"processed"`
	Cols      []ColumnSummary `json:"columns"`
	Samples   [][]string      `json:"samples,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Groups    []GroupResult   `json:"groups,omitempty"`
	Corr      *CorrMatrix     `json:"correlations,omitempty"`
}

// ColumnSummary captures inferred type and statistics per column.
type ColumnSummary struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Unit    string `json:"unit,omitempty"`
	NonNull int    `json:"non_null"`
	Missing int    `json:"missing"`
	Unique  int    `json:"unique"`
	// Numeric stats
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	// Outliers (robust Z via MAD)
	OutliersCount    int     `json:"outliers_count,omitempty"`
	OutliersMaxAbsZ  float64 `json:"outliers_max_abs_z,omitempty"`
	OutlierThreshold float64 `json:"outlier_threshold,omitempty"`
	// Datetime range
	First *time.Time `json:"first,omitempty"`
	Last  *time.Time `json:"last,omitempty"`
	// Categorical top values
	TopValues    []CategoryCount `json:"top_values,omitempty"`
	ExampleTexts []string        `json:"example_texts,omitempty"`
}

type CategoryCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// GroupResult captures aggregated metrics per group key.
type GroupResult struct {
	Key       string                `json:"key"`
	Size      int                   `json:"size"`
	Metrics   map[string]NumSummary `json:"metrics"`
	CorrPairs []PairCorr            `json:"corr_pairs,omitempty"`
}

type NumSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// CorrMatrix holds a symmetric Pearson correlation matrix across numeric columns.
type CorrMatrix struct {
	Columns []string    `json:"columns"`
	Values  [][]float64 `json:"values"`
}

type PairCorr struct {
	A string  `json:"a"`
	B string  `json:"b"`
	R float64 `json:"r"`
}

// JSON renders the report through the normalizer, so NaN statistics
// serialize as "nan".
func (r *Report) JSON() ([]byte, error) {
	return normalize.Marshal(r)
}

// Markdown renders a compact report suitable for prompts or standalone docs.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("[DATASET SUMMARY]\n")
	if r.Name != "" {
		fmt.Fprintf(&b, "File: %s\n", r.Name)
	}
	if r.Processed > 0 && r.Processed < r.Rows {
		fmt.Fprintf(&b, "Rows: ~%d (processed %d)\n", r.Rows, r.Processed)
	} else {
		fmt.Fprintf(&b, "Rows: %d\n", r.Rows)
	}
	fmt.Fprintf(&b, "Columns: %d\n\n", len(r.Cols))

	b.WriteString("[SCHEMA]\n")
	for _, c := range r.Cols {
		writeColumn(&b, c)
	}
	r.writeGroups(&b)
	r.writeCorrelations(&b)
	r.writeSamples(&b)
	if len(r.Warnings) > 0 {
		b.WriteString("\n[NOTES]\n")
		for _, w := range r.Warnings {
			b.WriteString("- " + w + "\n")
		}
	}
	return b.String()
}

func writeColumn(b *strings.Builder, c ColumnSummary) {
	total := c.NonNull + c.Missing
	missPct := 0.0
	if total > 0 {
		missPct = float64(c.Missing) * 100.0 / float64(total)
	}
	name := safeName(c.Name)
	if c.Unit != "" {
		name = fmt.Sprintf("%s [%s]", name, c.Unit)
	}
	fmt.Fprintf(b, "- %s: %s (non-null %d, missing %.1f%%, unique %d)", name, c.Kind, c.NonNull, missPct, c.Unique)
	switch c.Kind {
	case KindNumeric:
		fmt.Fprintf(b, "; min %.4g, max %.4g, mean %.4g", c.Min, c.Max, c.Mean)
		if !math.IsNaN(c.Std) {
			fmt.Fprintf(b, ", std %.4g", c.Std)
		}
		if c.OutlierThreshold > 0 {
			fmt.Fprintf(b, "; outliers: %d above |z|>%.1f", c.OutliersCount, c.OutlierThreshold)
			if c.OutliersMaxAbsZ > 0 {
				fmt.Fprintf(b, " (max |z|≈%.2f)", c.OutliersMaxAbsZ)
			}
		}
	case KindDatetime:
		if c.First != nil && c.Last != nil {
			fmt.Fprintf(b, "; range %s to %s", c.First.Format(time.DateTime), c.Last.Format(time.DateTime))
		}
	case KindCategorical:
		if len(c.TopValues) > 0 {
			b.WriteString("; top: ")
			for i, kv := range c.TopValues {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(b, "%s(%d)", safeVal(kv.Value), kv.Count)
			}
		}
	case KindText:
		if len(c.ExampleTexts) > 0 {
			b.WriteString("; e.g., ")
			for i, ex := range c.ExampleTexts {
				if i > 0 {
					b.WriteString(" | ")
				}
				b.WriteString(safeVal(truncate(ex, 80)))
			}
		}
	}
	b.WriteString("\n")
}

func (r *Report) writeGroups(b *strings.Builder) {
	if len(r.Groups) == 0 {
		return
	}
	b.WriteString("\n[GROUP-BY SUMMARY]\n")
	for _, g := range r.Groups {
		fmt.Fprintf(b, "- %s (n=%d)\n", g.Key, g.Size)
		keys := make([]string, 0, len(g.Metrics))
		for k := range g.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 6 {
			keys = keys[:6]
		}
		for _, k := range keys {
			m := g.Metrics[k]
			fmt.Fprintf(b, "  • %s: mean %.4g (min %.4g, max %.4g)\n", k, m.Mean, m.Min, m.Max)
		}
	}
	header := false
	for _, g := range r.Groups {
		if len(g.CorrPairs) == 0 {
			continue
		}
		if !header {
			b.WriteString("\n[PER-GROUP CORRELATIONS]\n")
			header = true
		}
		fmt.Fprintf(b, "- %s:\n", g.Key)
		for i, p := range g.CorrPairs {
			if i == 8 {
				break
			}
			fmt.Fprintf(b, "  • %s ~ %s: r=%.3f\n", p.A, p.B, p.R)
		}
	}
}

func (r *Report) writeCorrelations(b *strings.Builder) {
	if r.Corr == nil || len(r.Corr.Columns) < 2 {
		return
	}
	b.WriteString("\n[CORRELATIONS]\n")
	var pairs []PairCorr
	n := len(r.Corr.Columns)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, PairCorr{A: r.Corr.Columns[i], B: r.Corr.Columns[j], R: r.Corr.Values[i][j]})
		}
	}
	sortPairs(pairs)
	if len(pairs) > 10 {
		pairs = pairs[:10]
	}
	for _, p := range pairs {
		fmt.Fprintf(b, "- %s ~ %s: r=%.3f\n", p.A, p.B, p.R)
	}
}

func (r *Report) writeSamples(b *strings.Builder) {
	if len(r.Samples) == 0 {
		return
	}
	b.WriteString("\n[HEAD AND SAMPLE ROWS]\n| ")
	for i, c := range r.Cols {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(safeName(c.Name))
	}
	b.WriteString(" |\n|")
	for range r.Cols {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range r.Samples {
		b.WriteString("| ")
		for i := range r.Cols {
			if i > 0 {
				b.WriteString(" | ")
			}
			if i < len(row) {
				b.WriteString(safeVal(truncate(row[i], 80)))
			}
		}
		b.WriteString(" |\n")
	}
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-3]) + "..."
}

func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unnamed)"
	}
	return s
}

func safeVal(s string) string { return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "|", "/") }
