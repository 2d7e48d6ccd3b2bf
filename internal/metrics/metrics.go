// Package metrics evaluates a metrics plan against a loaded table.
//
// Values are raw Go types (int, int64, float64 that may be NaN, string,
// time.Time, time.Duration); callers pass them through normalize before
// serializing.
package metrics

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/normalize"
	"github.com/KaramelBytes/edaloom/internal/response"
)

// Results holds computed metric values per column.
type Results struct {
	Values         map[string]map[string]any `json:"values"`
	Unsupported    map[string][]string       `json:"unsupported,omitempty"`
	MissingColumns []string                  `json:"missing_columns,omitempty"`
}

// Normalized returns Values converted to canonical JSON-safe types.
func (r *Results) Normalized() any { return normalize.Normalize(r.Values) }

// Known reports whether name is a metric Compute understands.
func Known(name string) bool {
	if _, ok := evaluators[name]; ok {
		return true
	}
	_, ok := quantileLevel(name)
	return ok
}

// Compute evaluates plan against t. Columns are matched by exact name;
// metric names are case-insensitive.
func Compute(t *dataset.Table, plan response.MetricsPlan) *Results {
	res := &Results{
		Values:      map[string]map[string]any{},
		Unsupported: map[string][]string{},
	}
	for _, col := range plan.Columns() {
		idx, ok := t.Index(col)
		if !ok {
			res.MissingColumns = append(res.MissingColumns, col)
			continue
		}
		c := newColumn(t.Column(idx))
		out := map[string]any{}
		for _, m := range plan[col] {
			name := strings.ToLower(strings.TrimSpace(m))
			if name == "" {
				continue
			}
			v, ok := c.eval(name)
			if !ok {
				res.Unsupported[col] = append(res.Unsupported[col], m)
				continue
			}
			out[name] = v
		}
		res.Values[col] = out
	}
	if len(res.Unsupported) == 0 {
		res.Unsupported = nil
	}
	return res
}

// column caches the parsed views of one column.
type column struct {
	raw     []string
	present []string
	kind    dataset.Kind
	nums    []float64
	sorted  []float64
	times   []time.Time
}

func newColumn(cells []string) *column {
	c := &column{raw: cells, kind: dataset.InferKind(cells)}
	for _, v := range cells {
		if dataset.IsMissing(v) {
			continue
		}
		v = strings.TrimSpace(v)
		c.present = append(c.present, v)
		switch {
		case c.kind.Numeric():
			if f, ok := dataset.ParseNumber(v); ok {
				c.nums = append(c.nums, f)
			}
		case c.kind == dataset.KindBool:
			if b, ok := dataset.ParseBool(v); ok {
				f := 0.0
				if b {
					f = 1
				}
				c.nums = append(c.nums, f)
			}
		}
		if ts, ok := dataset.ParseTime(v); ok {
			c.times = append(c.times, ts)
		}
	}
	if c.nums != nil {
		c.sorted = append([]float64(nil), c.nums...)
		sort.Float64s(c.sorted)
	}
	return c
}

func (c *column) numeric() bool { return c.kind.Numeric() || c.kind == dataset.KindBool }

func (c *column) eval(name string) (any, bool) {
	if f, ok := evaluators[name]; ok {
		return f(c)
	}
	if q, ok := quantileLevel(name); ok {
		if !c.numeric() {
			return nil, false
		}
		return quantile(c.sorted, q), true
	}
	return nil, false
}

// quantileLevel parses "quantile_NN" (NN in 0..100) or "quantile_0.NN".
func quantileLevel(name string) (float64, bool) {
	s, ok := strings.CutPrefix(name, "quantile_")
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f > 100 {
		return 0, false
	}
	if strings.Contains(s, ".") && f <= 1 {
		return f, true
	}
	return f / 100, true
}

type evaluator func(c *column) (any, bool)

var evaluators map[string]evaluator

func init() {
	evaluators = map[string]evaluator{
		"count":   func(c *column) (any, bool) { return len(c.present), true },
		"missing": func(c *column) (any, bool) { return len(c.raw) - len(c.present), true },
		"nunique": func(c *column) (any, bool) { return len(c.distinct()), true },
		"mode": func(c *column) (any, bool) {
			v, _ := c.mode()
			return v, true
		},
		"mode_count": func(c *column) (any, bool) {
			_, n := c.mode()
			return n, true
		},
		"mode_rel_freq": func(c *column) (any, bool) {
			_, n := c.mode()
			if len(c.present) == 0 {
				return math.NaN(), true
			}
			return float64(n) / float64(len(c.present)), true
		},
		"mean":     numeric(mean),
		"median":   numeric(func(s []float64) float64 { return quantile(s, 0.5) }),
		"std":      numeric(func(s []float64) float64 { return math.Sqrt(variance(s)) }),
		"var":      numeric(variance),
		"skew":     numeric(skew),
		"kurtosis": numeric(kurtosis),
		"kurt":     numeric(kurtosis),
		"sum":      optional(func(c *column) any { return c.sum() }),
		"min":      optional(func(c *column) any { return c.extreme(false) }),
		"max":      optional(func(c *column) any { return c.extreme(true) }),
		"range":    optional(func(c *column) any { return c.span() }),
		"min_date": dates(func(ts []time.Time) any { return ts[0] }),
		"max_date": dates(func(ts []time.Time) any { return ts[len(ts)-1] }),
		"date_range_days": dates(func(ts []time.Time) any {
			return int64(ts[len(ts)-1].Sub(ts[0]).Hours() / 24)
		}),
		"unique_dates": func(c *column) (any, bool) {
			seen := map[string]struct{}{}
			for _, ts := range c.times {
				seen[ts.Format(time.DateOnly)] = struct{}{}
			}
			return len(seen), true
		},
	}
}

// numeric wraps a statistic over the sorted numeric values; non-numeric
// columns do not support it.
func numeric(f func(sorted []float64) float64) evaluator {
	return func(c *column) (any, bool) {
		if !c.numeric() {
			return nil, false
		}
		return f(c.sorted), true
	}
}

func optional(f func(c *column) any) evaluator {
	return func(c *column) (any, bool) {
		v := f(c)
		return v, v != nil
	}
}

func dates(f func(sorted []time.Time) any) evaluator {
	return func(c *column) (any, bool) {
		if c.kind.Numeric() {
			return nil, false
		}
		if len(c.times) == 0 {
			return nil, true
		}
		ts := append([]time.Time(nil), c.times...)
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		return f(ts), true
	}
}

func (c *column) distinct() map[string]int {
	counts := map[string]int{}
	for _, v := range c.present {
		k := v
		if c.kind.Numeric() {
			if f, ok := dataset.ParseNumber(v); ok {
				k = strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
		counts[k]++
	}
	return counts
}

// mode returns the most frequent value, the smallest one on ties, and its
// count. An empty column has a nil mode.
func (c *column) mode() (any, int) {
	counts := c.distinct()
	if len(counts) == 0 {
		return nil, 0
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	less := func(a, b string) bool { return a < b }
	if c.kind.Numeric() {
		less = func(a, b string) bool {
			fa, _ := strconv.ParseFloat(a, 64)
			fb, _ := strconv.ParseFloat(b, 64)
			return fa < fb
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return less(keys[i], keys[j])
	})
	return c.typed(keys[0]), counts[keys[0]]
}

// typed converts a distinct key back to the column's natural Go type.
func (c *column) typed(k string) any {
	switch c.kind {
	case dataset.KindInt:
		if n, err := strconv.ParseInt(k, 10, 64); err == nil {
			return n
		}
	case dataset.KindFloat:
		if f, err := strconv.ParseFloat(k, 64); err == nil {
			return f
		}
	case dataset.KindBool:
		if b, ok := dataset.ParseBool(k); ok {
			return b
		}
	case dataset.KindDatetime:
		if ts, ok := dataset.ParseTime(k); ok {
			return ts
		}
	}
	return k
}

func (c *column) sum() any {
	switch {
	case c.kind == dataset.KindInt:
		var s int64
		for _, f := range c.nums {
			s += int64(f)
		}
		return s
	case c.numeric():
		var s float64
		for _, f := range c.nums {
			s += f
		}
		return s
	}
	return nil
}

func (c *column) extreme(largest bool) any {
	switch {
	case c.numeric():
		if len(c.sorted) == 0 {
			return math.NaN()
		}
		v := c.sorted[0]
		if largest {
			v = c.sorted[len(c.sorted)-1]
		}
		if c.kind == dataset.KindInt {
			return int64(v)
		}
		return v
	case c.kind == dataset.KindDatetime:
		if len(c.times) == 0 {
			return nil
		}
		best := c.times[0]
		for _, ts := range c.times[1:] {
			if (largest && ts.After(best)) || (!largest && ts.Before(best)) {
				best = ts
			}
		}
		return best
	}
	if len(c.present) == 0 {
		return nil
	}
	best := c.present[0]
	for _, v := range c.present[1:] {
		if (largest && v > best) || (!largest && v < best) {
			best = v
		}
	}
	return best
}

func (c *column) span() any {
	switch {
	case c.numeric():
		if len(c.sorted) == 0 {
			return math.NaN()
		}
		d := c.sorted[len(c.sorted)-1] - c.sorted[0]
		if c.kind == dataset.KindInt {
			return int64(d)
		}
		return d
	case c.kind == dataset.KindDatetime:
		lo, _ := c.extreme(false).(time.Time)
		hi, _ := c.extreme(true).(time.Time)
		return hi.Sub(lo)
	}
	return nil
}
