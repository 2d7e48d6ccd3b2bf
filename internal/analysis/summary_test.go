package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/KaramelBytes/edaloom/internal/dataset"
)

var csvRows = []string{
	"Group;Concentration (g/L);Temp (°F);Score;LocaleNumber;Category;Note",
	"A;0,5;70;10,0;1.000,0;alpha;first",
	"A;0,6;71;11,0;1.100,0;alpha;second",
	"A;0,55;69;9,5;0.900,0;beta;third",
	"B;0,7;75;10,5;1.050,0;alpha;fourth",
	"B;0,65;74;9,8;0.980,0;beta;fifth",
	"B;0,68;73;10,2;1.020,0;alpha;sixth",
	"A;0,52;68;8,8;0.880,0;gamma;seventh",
	"B;0,75;76;9,7;0.970,0;beta;eighth",
	"A;3,0;95;50,0;5.000,0;alpha;ninth",
	"B;0,66;72;10,1;1.010,0;gamma;tenth",
}

var (
	processedConcentration = []float64{
		mgPerL(0.5), mgPerL(0.6), mgPerL(0.55), mgPerL(0.7), mgPerL(0.65), mgPerL(0.68), mgPerL(0.52), mgPerL(0.75), mgPerL(3.0),
	}
	processedTemp = []float64{
		toC(70), toC(71), toC(69), toC(75), toC(74), toC(73), toC(68), toC(76), toC(95),
	}
	processedScore  = []float64{10, 11, 9.5, 10.5, 9.8, 10.2, 8.8, 9.7, 50}
	processedLocale = []float64{1000, 1100, 900, 1050, 980, 1020, 880, 970, 5000}
)

func loadFixture(t *testing.T) *dataset.Table {
	t.Helper()
	tb, err := dataset.LoadReader("metrics.csv", strings.NewReader(strings.Join(csvRows, "\n")), dataset.LoadOptions{})
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	return tb
}

func fixtureOptions() Options {
	opt := DefaultOptions()
	opt.SampleRows = 3
	opt.MaxRows = 9
	opt.GroupBy = []string{"Group"}
	opt.Correlations = true
	opt.CorrPerGroup = true
	opt.Outliers = true
	return opt
}

func TestSummarizeAndMarkdown(t *testing.T) {
	rep := Summarize(loadFixture(t), fixtureOptions())
	assertReport(t, rep, "metrics.csv")

	md := rep.Markdown()
	for _, want := range []string{
		"[DATASET SUMMARY]",
		"File: metrics.csv",
		"Rows: ~10 (processed 9)",
		"Concentration [mg/L]: numeric",
		"Temp [°C]: numeric",
		"outliers: 1 above |z|>3.5",
		"Category: categorical",
		"top: alpha(5), beta(3), gamma(1)",
		"[GROUP-BY SUMMARY]",
		"Group=A (n=5)",
		"[PER-GROUP CORRELATIONS]",
		"[CORRELATIONS]",
		"Score ~ LocaleNumber",
		"[HEAD AND SAMPLE ROWS]",
		"[NOTES]",
		"processed only 9/10 rows due to MaxRows",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestSummarizeKinds(t *testing.T) {
	tb := &dataset.Table{
		Name:    "kinds.csv",
		Columns: []string{"when", "story", "single", "empty"},
	}
	for i := 0; i < 60; i++ {
		tb.Rows = append(tb.Rows, []string{
			fmt.Sprintf("2024-01-%02d", 1+i%28),
			fmt.Sprintf("free text entry number %02d", i),
			"7",
			"",
		})
	}
	rep := Summarize(tb, DefaultOptions())
	when := columnByName(t, rep, "when")
	if when.Kind != KindDatetime || when.First == nil || when.First.Day() != 1 || when.Last.Day() != 28 {
		t.Fatalf("when = %#v", when)
	}
	if story := columnByName(t, rep, "story"); story.Kind != KindText || len(story.ExampleTexts) != 3 {
		t.Fatalf("story = %#v", story)
	}
	single := columnByName(t, rep, "single")
	if single.Kind != KindNumeric || single.Unique != 1 {
		t.Fatalf("single = %#v", single)
	}
	if empty := columnByName(t, rep, "empty"); empty.Kind != KindUnknown || empty.Missing != 60 {
		t.Fatalf("empty = %#v", empty)
	}
}

func TestReportJSONUsesNormalizedFloats(t *testing.T) {
	tb := &dataset.Table{Name: "one.csv", Columns: []string{"x"}, Rows: [][]string{{"5"}}}
	rep := Summarize(tb, DefaultOptions())
	if !math.IsNaN(rep.Cols[0].Std) {
		t.Fatalf("std of one value should be NaN, got %v", rep.Cols[0].Std)
	}
	b, err := rep.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	col := out["columns"].([]any)[0].(map[string]any)
	if col["std"] != "nan" || col["mean"] != float64(5) {
		t.Fatalf("column json = %v", col)
	}
	if strings.Contains(rep.Markdown(), "std") {
		t.Fatalf("undefined std should not be rendered")
	}
}

func TestSummarizeEmptyTable(t *testing.T) {
	rep := Summarize(&dataset.Table{Name: "e.csv"}, DefaultOptions())
	if rep.Rows != 0 || len(rep.Cols) != 0 {
		t.Fatalf("unexpected report %#v", rep)
	}
	if !strings.Contains(rep.Markdown(), "Columns: 0") {
		t.Fatalf("markdown: %s", rep.Markdown())
	}
}

func assertReport(t *testing.T, rep *Report, expectName string) {
	t.Helper()
	if rep.Name != expectName {
		t.Fatalf("report name = %q, want %q", rep.Name, expectName)
	}
	if rep.Rows != 10 {
		t.Fatalf("rows = %d, want 10", rep.Rows)
	}
	if rep.Processed != 9 {
		t.Fatalf("processed = %d, want 9", rep.Processed)
	}
	if len(rep.Warnings) != 1 || rep.Warnings[0] != "processed only 9/10 rows due to MaxRows" {
		t.Fatalf("warnings = %#v", rep.Warnings)
	}
	if len(rep.Samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(rep.Samples))
	}
	expectFirst := []string{"A", "0,5", "70", "10,0", "1.000,0", "alpha", "first"}
	if !equalStrings(rep.Samples[0], expectFirst) {
		t.Fatalf("first sample = %#v, want %#v", rep.Samples[0], expectFirst)
	}

	conc := columnByName(t, rep, "Concentration")
	if conc.Unit != "mg/L" {
		t.Fatalf("concentration unit = %q", conc.Unit)
	}
	checkStats(t, conc, processedConcentration)
	count, maxZ := robustOutlierStats(processedScore, 3.5)

	score := columnByName(t, rep, "Score")
	if score.Unit != "" {
		t.Fatalf("score unit = %q", score.Unit)
	}
	checkStats(t, score, processedScore)
	if score.OutliersCount != count {
		t.Fatalf("score outliers = %d, want %d", score.OutliersCount, count)
	}
	if !almostEqual(score.OutliersMaxAbsZ, maxZ, 1e-6) {
		t.Fatalf("score max |z| = %f, want %f", score.OutliersMaxAbsZ, maxZ)
	}
	if !almostEqual(score.OutlierThreshold, 3.5, 1e-9) {
		t.Fatalf("score threshold = %f", score.OutlierThreshold)
	}

	temp := columnByName(t, rep, "Temp")
	if temp.Unit != "°C" {
		t.Fatalf("temp unit = %q", temp.Unit)
	}
	checkStats(t, temp, processedTemp)

	locale := columnByName(t, rep, "LocaleNumber")
	checkStats(t, locale, processedLocale)

	cat := columnByName(t, rep, "Category")
	if cat.Kind != "categorical" {
		t.Fatalf("category kind = %q", cat.Kind)
	}
	if len(cat.TopValues) == 0 || cat.TopValues[0].Value != "alpha" || cat.TopValues[0].Count != 5 {
		t.Fatalf("category top = %#v", cat.TopValues)
	}

	if len(rep.Groups) != 2 {
		t.Fatalf("groups len = %d, want 2", len(rep.Groups))
	}
	groupA := rep.Groups[0]
	groupB := rep.Groups[1]
	if groupA.Key != "Group=A" || groupA.Size != 5 {
		t.Fatalf("group A = %#v", groupA)
	}
	if groupB.Key != "Group=B" || groupB.Size != 4 {
		t.Fatalf("group B = %#v", groupB)
	}

	scoreA := groupA.Metrics["Score"]
	scoreB := groupB.Metrics["Score"]
	checkNumSummary(t, scoreA, subset(processedScore, []int{0, 1, 2, 6, 8}))
	checkNumSummary(t, scoreB, subset(processedScore, []int{3, 4, 5, 7}))

	concA := groupA.Metrics["Concentration"]
	concB := groupB.Metrics["Concentration"]
	checkNumSummary(t, concA, subset(processedConcentration, []int{0, 1, 2, 6, 8}))
	checkNumSummary(t, concB, subset(processedConcentration, []int{3, 4, 5, 7}))

	expCorr := correlation(processedScore, processedLocale)
	if rep.Corr == nil {
		t.Fatalf("corr matrix nil")
	}
	if !equalStrings(rep.Corr.Columns, []string{"Concentration", "Temp", "Score", "LocaleNumber"}) {
		t.Fatalf("corr columns = %#v", rep.Corr.Columns)
	}
	idxScore := 2
	idxLocale := 3
	if !almostEqual(rep.Corr.Values[idxScore][idxLocale], expCorr, 1e-6) {
		t.Fatalf("global corr score-locale = %f, want %f", rep.Corr.Values[idxScore][idxLocale], expCorr)
	}

	corrA := correlation(subset(processedScore, []int{0, 1, 2, 6, 8}), subset(processedLocale, []int{0, 1, 2, 6, 8}))
	corrB := correlation(subset(processedScore, []int{3, 4, 5, 7}), subset(processedLocale, []int{3, 4, 5, 7}))

	if len(groupA.CorrPairs) == 0 || groupA.CorrPairs[0].A != "Score" || groupA.CorrPairs[0].B != "LocaleNumber" || !almostEqual(groupA.CorrPairs[0].R, corrA, 1e-6) {
		t.Fatalf("group A corr pairs = %#v", groupA.CorrPairs)
	}
	if len(groupB.CorrPairs) == 0 || groupB.CorrPairs[0].A != "Score" || groupB.CorrPairs[0].B != "LocaleNumber" || !almostEqual(groupB.CorrPairs[0].R, corrB, 1e-6) {
		t.Fatalf("group B corr pairs = %#v", groupB.CorrPairs)
	}
}

func columnByName(t *testing.T, rep *Report, name string) ColumnSummary {
	t.Helper()
	for _, c := range rep.Cols {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("column %q not found", name)
	return ColumnSummary{}
}

func checkStats(t *testing.T, col ColumnSummary, vals []float64) {
	t.Helper()
	if col.NonNull != len(vals) {
		t.Fatalf("non-null = %d, want %d", col.NonNull, len(vals))
	}
	if !almostEqual(col.Min, minFloat(vals), 1e-6) {
		t.Fatalf("min = %f, want %f", col.Min, minFloat(vals))
	}
	if !almostEqual(col.Max, maxFloat(vals), 1e-6) {
		t.Fatalf("max = %f, want %f", col.Max, maxFloat(vals))
	}
	if !almostEqual(col.Mean, mean(vals), 1e-6) {
		t.Fatalf("mean = %f, want %f", col.Mean, mean(vals))
	}
	if !almostEqual(col.Std, sampleStd(vals), 1e-6) {
		t.Fatalf("std = %f, want %f", col.Std, sampleStd(vals))
	}
}

func checkNumSummary(t *testing.T, s NumSummary, vals []float64) {
	t.Helper()
	if s.Count != len(vals) {
		t.Fatalf("summary count = %d, want %d", s.Count, len(vals))
	}
	if !almostEqual(s.Min, minFloat(vals), 1e-6) {
		t.Fatalf("summary min = %f, want %f", s.Min, minFloat(vals))
	}
	if !almostEqual(s.Max, maxFloat(vals), 1e-6) {
		t.Fatalf("summary max = %f, want %f", s.Max, maxFloat(vals))
	}
	if !almostEqual(s.Mean, mean(vals), 1e-6) {
		t.Fatalf("summary mean = %f, want %f", s.Mean, mean(vals))
	}
}

func robustOutlierStats(vals []float64, threshold float64) (count int, maxAbs float64) {
	cp := append([]float64(nil), vals...)
	sort.Float64s(cp)
	med := quantileValue(cp, 0.5)
	devs := make([]float64, len(cp))
	for i, v := range cp {
		d := math.Abs(v - med)
		devs[i] = d
	}
	sort.Float64s(devs)
	mad := quantileValue(devs, 0.5)
	if mad == 0 {
		return 0, 0
	}
	for _, v := range cp {
		z := 0.6745 * (v - med) / mad
		az := math.Abs(z)
		if az > threshold {
			count++
			if az > maxAbs {
				maxAbs = az
			}
		}
	}
	return
}

func quantileValue(sortedVals []float64, q float64) float64 {
	if len(sortedVals) == 0 {
		return 0
	}
	if q <= 0 {
		return sortedVals[0]
	}
	if q >= 1 {
		return sortedVals[len(sortedVals)-1]
	}
	pos := q * float64(len(sortedVals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sortedVals[lo]
	}
	w := pos - float64(lo)
	return sortedVals[lo]*(1-w) + sortedVals[hi]*w
}

func subset(vals []float64, idxs []int) []float64 {
	out := make([]float64, len(idxs))
	for i, idx := range idxs {
		out[i] = vals[idx]
	}
	return out
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func sampleStd(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var sum float64
	for _, v := range vals {
		diff := v - m
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(vals)-1))
}

func minFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func correlation(a, b []float64) float64 {
	if len(a) != len(b) {
		panic("length mismatch")
	}
	ma := mean(a)
	mb := mean(b)
	var num, da2, db2 float64
	for i := range a {
		da := a[i] - ma
		db := b[i] - mb
		num += da * db
		da2 += da * da
		db2 += db * db
	}
	if da2 == 0 || db2 == 0 {
		return 0
	}
	return num / math.Sqrt(da2*db2)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func mgPerL(v float64) float64 { return v * 1000 }
func toC(f float64) float64    { return (f - 32) * 5.0 / 9.0 }
