// Package analysis summarizes a loaded dataset into the compact, prompt-ready
// description the pipeline sends to the analyst model.
package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/KaramelBytes/edaloom/internal/dataset"
)

// Options controls summary behavior.
type Options struct {
	// MaxRows limits rows processed; 0 means unlimited.
	MaxRows int
	// SampleRows determines how many example rows to include in the report.
	SampleRows int
	// GroupBy computes per-group summaries for the given column names.
	GroupBy []string
	// Correlations computes Pearson correlations among numeric columns.
	Correlations bool
	// CorrPerGroup computes correlations per group key.
	CorrPerGroup bool
	// Outlier detection via robust Z-score (MAD). If Outliers is true, counts |z|>threshold.
	Outliers         bool
	OutlierThreshold float64
	// Unit normalization: convert values to target units using simple mappings.
	UnitNormalize bool
	UnitTargets   map[string]string // map[fromUnit]toUnit, e.g., {"g/L":"mg/L"}
	// CategoricalMaxUnique is the distinct-value ceiling for a text column to
	// count as categorical.
	CategoricalMaxUnique int
}

// DefaultOptions returns reasonable defaults for dataset analysis.
func DefaultOptions() Options {
	return Options{
		MaxRows:              100000,
		SampleRows:           5,
		Correlations:         true,
		Outliers:             true,
		OutlierThreshold:     3.5,
		CategoricalMaxUnique: 50,
		UnitNormalize:        true,
		UnitTargets: map[string]string{
			"g/L":  "mg/L",
			"ug/L": "mg/L",
			"°F":   "°C",
		},
	}
}

type colAcc struct {
	name     string
	unit     string
	origUnit string
	nonNil   int
	miss     int
	n        int
	mean     float64
	m2       float64
	min      float64
	max      float64
	numCnt   int
	dtCnt    int
	txtCnt   int
	first    time.Time
	last     time.Time
	distinct map[string]int
	exText   []string
	vals     []float64
}

type pairAcc struct {
	n, sumX, sumY, sumXX, sumYY, sumXY float64
}

func (p *pairAcc) add(x, y float64) {
	p.n++
	p.sumX += x
	p.sumY += y
	p.sumXX += x * x
	p.sumYY += y * y
	p.sumXY += x * y
}

// r returns the Pearson coefficient, clamped to [-1, 1]; ok is false when
// it is undefined.
func (p *pairAcc) r() (float64, bool) {
	if p == nil || p.n < 2 {
		return 0, false
	}
	denom := math.Sqrt((p.n*p.sumXX - p.sumX*p.sumX) * (p.n*p.sumYY - p.sumY*p.sumY))
	if denom == 0 || math.IsNaN(denom) {
		return 0, false
	}
	r := (p.n*p.sumXY - p.sumX*p.sumY) / denom
	return math.Max(-1, math.Min(1, r)), !math.IsNaN(r)
}

type groupAcc struct {
	size  int
	sum   map[int]float64
	min   map[int]float64
	max   map[int]float64
	cnt   map[int]int
	pairs map[[2]int]*pairAcc
}

// Summarize computes a Report for t in a single pass over its rows.
func Summarize(t *dataset.Table, opt Options) *Report {
	rep := &Report{Name: t.Name, Rows: t.NumRows()}
	ncol := t.NumCols()
	if ncol == 0 {
		return rep
	}
	cols := make([]*colAcc, ncol)
	gbIndex := map[string]int{}
	for i, h := range t.Columns {
		clean, unit := splitUnits(h)
		cols[i] = &colAcc{name: clean, unit: unit, origUnit: unit, min: math.Inf(1), max: math.Inf(-1), distinct: map[string]int{}}
		gbIndex[strings.ToLower(clean)] = i
		gbIndex[strings.ToLower(strings.TrimSpace(h))] = i
	}
	maxRows := opt.MaxRows
	if maxRows <= 0 || maxRows > len(t.Rows) {
		maxRows = len(t.Rows)
	}
	sampleRows := opt.SampleRows
	if sampleRows < 0 {
		sampleRows = 5
	}
	pairs := map[[2]int]*pairAcc{}
	groups := map[string]*groupAcc{}

	for _, row := range t.Rows[:maxRows] {
		rep.Processed++
		if len(rep.Samples) < sampleRows {
			rep.Samples = append(rep.Samples, append([]string(nil), row...))
		}
		gkey := groupKey(row, cols, gbIndex, opt.GroupBy)
		var ga *groupAcc
		if gkey != "" {
			ga = groups[gkey]
			if ga == nil {
				ga = &groupAcc{sum: map[int]float64{}, min: map[int]float64{}, max: map[int]float64{}, cnt: map[int]int{}, pairs: map[[2]int]*pairAcc{}}
				groups[gkey] = ga
			}
			ga.size++
		}
		rowNums := map[int]float64{}
		for j := 0; j < ncol; j++ {
			c := cols[j]
			v := ""
			if j < len(row) {
				v = strings.TrimSpace(row[j])
			}
			if dataset.IsMissing(v) {
				c.miss++
				continue
			}
			c.nonNil++
			if len(c.distinct) < 10000 {
				c.distinct[v]++
			}
			if strings.HasSuffix(v, "%") && c.unit == "" {
				c.unit, c.origUnit = "%", "%"
			}
			if x, ok := dataset.ParseNumber(v); ok {
				if opt.UnitNormalize && c.origUnit != "" {
					if nx, nu, okc := normalizeUnit(x, c.origUnit, opt.UnitTargets); okc {
						x = nx
						c.unit = nu
					}
				}
				c.numCnt++
				c.n++
				c.min = math.Min(c.min, x)
				c.max = math.Max(c.max, x)
				delta := x - c.mean
				c.mean += delta / float64(c.n)
				c.m2 += delta * (x - c.mean)
				c.vals = append(c.vals, x)
				rowNums[j] = x
				if ga != nil {
					ga.sum[j] += x
					ga.cnt[j]++
					if m, ok := ga.min[j]; !ok || x < m {
						ga.min[j] = x
					}
					if m, ok := ga.max[j]; !ok || x > m {
						ga.max[j] = x
					}
				}
				continue
			}
			if ts, ok := dataset.ParseTime(v); ok {
				c.dtCnt++
				if c.first.IsZero() || ts.Before(c.first) {
					c.first = ts
				}
				if ts.After(c.last) {
					c.last = ts
				}
				continue
			}
			c.txtCnt++
			if len(c.exText) < 3 {
				c.exText = append(c.exText, v)
			}
		}
		if len(rowNums) >= 2 && opt.Correlations {
			addPairs(pairs, rowNums)
		}
		if ga != nil && opt.CorrPerGroup && len(rowNums) >= 2 {
			addPairs(ga.pairs, rowNums)
		}
	}

	var numCols []int
	for i, c := range cols {
		s := finishColumn(c, opt)
		if s.Kind == KindNumeric {
			numCols = append(numCols, i)
		}
		rep.Cols = append(rep.Cols, s)
	}
	rep.Groups = finishGroups(groups, cols, numCols, opt)
	if rep.Processed < rep.Rows {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("processed only %d/%d rows due to MaxRows", rep.Processed, rep.Rows))
	}
	if opt.Correlations && len(numCols) >= 2 {
		rep.Corr = corrMatrix(pairs, cols, numCols)
	}
	return rep
}

func groupKey(row []string, cols []*colAcc, index map[string]int, groupBy []string) string {
	var parts []string
	for _, name := range groupBy {
		idx, ok := index[strings.ToLower(strings.TrimSpace(name))]
		if !ok || idx >= len(row) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", cols[idx].name, safeVal(strings.TrimSpace(row[idx]))))
	}
	return strings.Join(parts, " | ")
}

func addPairs(dst map[[2]int]*pairAcc, nums map[int]float64) {
	idxs := make([]int, 0, len(nums))
	for j := range nums {
		idxs = append(idxs, j)
	}
	sort.Ints(idxs)
	for a := 0; a < len(idxs); a++ {
		for b := a + 1; b < len(idxs); b++ {
			key := [2]int{idxs[a], idxs[b]}
			pa := dst[key]
			if pa == nil {
				pa = &pairAcc{}
				dst[key] = pa
			}
			pa.add(nums[idxs[a]], nums[idxs[b]])
		}
	}
}

func finishColumn(c *colAcc, opt Options) ColumnSummary {
	s := ColumnSummary{Name: c.name, Unit: c.unit, NonNull: c.nonNil, Missing: c.miss, Unique: len(c.distinct), Kind: KindUnknown}
	maxUnique := opt.CategoricalMaxUnique
	if maxUnique <= 0 {
		maxUnique = 50
	}
	switch {
	case c.numCnt >= c.dtCnt && c.numCnt >= c.txtCnt && c.numCnt > 0:
		s.Kind = KindNumeric
		s.Min, s.Max, s.Mean = c.min, c.max, c.mean
		s.Std = math.NaN()
		if c.n > 1 {
			s.Std = math.Sqrt(c.m2 / float64(c.n-1))
		}
		if opt.Outliers && len(c.vals) >= 8 {
			thr := opt.OutlierThreshold
			if thr <= 0 {
				thr = 3.5
			}
			s.OutliersCount, s.OutliersMaxAbsZ = robustOutliers(c.vals, thr)
			s.OutlierThreshold = thr
		}
	case c.dtCnt >= c.txtCnt && c.dtCnt > 0:
		s.Kind = KindDatetime
		first, last := c.first, c.last
		s.First, s.Last = &first, &last
	case c.txtCnt > 0 && (len(c.distinct) <= maxUnique || len(c.distinct)*2 <= c.nonNil):
		s.Kind = KindCategorical
		s.TopValues = topValues(c.distinct, 8)
	case c.txtCnt > 0:
		s.Kind = KindText
		s.ExampleTexts = c.exText
	}
	c.vals = nil
	return s
}

func topValues(counts map[string]int, limit int) []CategoryCount {
	tops := make([]CategoryCount, 0, len(counts))
	for k, v := range counts {
		tops = append(tops, CategoryCount{Value: k, Count: v})
	}
	sort.Slice(tops, func(i, j int) bool {
		if tops[i].Count == tops[j].Count {
			return tops[i].Value < tops[j].Value
		}
		return tops[i].Count > tops[j].Count
	})
	if len(tops) > limit {
		tops = tops[:limit]
	}
	return tops
}

// robustOutliers counts values whose modified z-score exceeds thr.
func robustOutliers(vals []float64, thr float64) (count int, maxAbsZ float64) {
	median, mad := medianMAD(vals)
	if mad == 0 {
		return 0, 0
	}
	for _, v := range vals {
		az := math.Abs(0.6745 * (v - median) / mad)
		if az > thr {
			count++
		}
		maxAbsZ = math.Max(maxAbsZ, az)
	}
	return count, maxAbsZ
}

func finishGroups(groups map[string]*groupAcc, cols []*colAcc, numCols []int, opt Options) []GroupResult {
	if len(groups) == 0 {
		return nil
	}
	outs := make([]GroupResult, 0, len(groups))
	for k, ga := range groups {
		gr := GroupResult{Key: k, Size: ga.size, Metrics: map[string]NumSummary{}}
		for _, idx := range numCols {
			if ga.cnt[idx] == 0 {
				continue
			}
			gr.Metrics[cols[idx].name] = NumSummary{Count: ga.cnt[idx], Min: ga.min[idx], Max: ga.max[idx], Mean: ga.sum[idx] / float64(ga.cnt[idx])}
		}
		if opt.CorrPerGroup {
			gr.CorrPairs = topPairs(ga.pairs, cols, 10)
		}
		outs = append(outs, gr)
	}
	sort.Slice(outs, func(i, j int) bool {
		if outs[i].Size == outs[j].Size {
			return outs[i].Key < outs[j].Key
		}
		return outs[i].Size > outs[j].Size
	})
	if len(outs) > 20 {
		outs = outs[:20]
	}
	return outs
}

func topPairs(pairs map[[2]int]*pairAcc, cols []*colAcc, limit int) []PairCorr {
	var out []PairCorr
	for key, pa := range pairs {
		if r, ok := pa.r(); ok {
			out = append(out, PairCorr{A: cols[key[0]].name, B: cols[key[1]].name, R: r})
		}
	}
	sortPairs(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortPairs(p []PairCorr) {
	sort.Slice(p, func(i, j int) bool {
		ai, aj := math.Abs(p[i].R), math.Abs(p[j].R)
		if ai == aj {
			return p[i].A+p[i].B < p[j].A+p[j].B
		}
		return ai > aj
	})
}

func corrMatrix(pairs map[[2]int]*pairAcc, cols []*colAcc, numCols []int) *CorrMatrix {
	n := len(numCols)
	names := make([]string, n)
	mat := make([][]float64, n)
	for a, ia := range numCols {
		names[a] = cols[ia].name
		mat[a] = make([]float64, n)
		for b, ib := range numCols {
			if a == b {
				mat[a][b] = 1
				continue
			}
			key := [2]int{min(ia, ib), max(ia, ib)}
			r, _ := pairs[key].r()
			mat[a][b] = r
		}
	}
	return &CorrMatrix{Columns: names, Values: mat}
}
