// Package dataset loads tabular files into memory and provides the small set
// of cleaning and export operations the pipeline needs.
package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/KaramelBytes/edaloom/internal/normalize"
)

// Table is a loaded dataset. Cells keep their raw text; IsMissing decides
// which of them count as missing.
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func (t *Table) NumRows() int { return len(t.Rows) }

func (t *Table) NumCols() int { return len(t.Columns) }

// Index returns the position of column name.
func (t *Table) Index(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Column returns the cells of column i.
func (t *Table) Column(i int) []string {
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		if i < len(row) {
			out[r] = row[i]
		}
	}
	return out
}

// Kinds infers the kind of every column.
func (t *Table) Kinds() []Kind {
	out := make([]Kind, len(t.Columns))
	for i := range t.Columns {
		out[i] = InferKind(t.Column(i))
	}
	return out
}

// Head returns a copy of the table limited to the first n rows.
func (t *Table) Head(n int) *Table {
	if n > len(t.Rows) || n < 0 {
		n = len(t.Rows)
	}
	return &Table{Name: t.Name, Columns: t.Columns, Rows: t.Rows[:n]}
}

// DropDuplicates removes rows identical to an earlier row, keeping the first,
// and returns how many rows were removed.
func (t *Table) DropDuplicates() int {
	seen := make(map[string]struct{}, len(t.Rows))
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		var b strings.Builder
		for _, c := range row {
			b.WriteString(strconv.Quote(c))
			b.WriteByte(0)
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, row)
	}
	removed := len(t.Rows) - len(kept)
	t.Rows = kept
	return removed
}

// FillMissingNumeric replaces missing cells of numeric columns with the
// column median and returns how many cells were filled. Columns without any
// value are left alone.
func (t *Table) FillMissingNumeric() int {
	filled := 0
	for i, k := range t.Kinds() {
		if !k.Numeric() {
			continue
		}
		var vals []float64
		for _, row := range t.Rows {
			if i < len(row) && !IsMissing(row[i]) {
				if f, ok := ParseNumber(row[i]); ok {
					vals = append(vals, f)
				}
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		med := vals[len(vals)/2]
		if len(vals)%2 == 0 {
			med = (vals[len(vals)/2-1] + vals[len(vals)/2]) / 2
		}
		fill := strconv.FormatFloat(med, 'f', -1, 64)
		for _, row := range t.Rows {
			if i < len(row) && IsMissing(row[i]) {
				row[i] = fill
				filled++
			}
		}
	}
	return filled
}

// WriteCSV writes the header and rows as comma-separated values.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the table as an array of records with columns in table
// order. Numeric and bool columns are written as JSON scalars and missing
// cells as null.
func (t *Table) WriteJSON(w io.Writer) error {
	kinds := t.Kinds()
	keys := make([][]byte, len(t.Columns))
	for i, c := range t.Columns {
		k, err := json.Marshal(c)
		if err != nil {
			return err
		}
		keys[i] = k
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for r, row := range t.Rows {
		if r > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i := range t.Columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(keys[i])
			buf.WriteByte(':')
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if err := writeCell(&buf, cell, kinds[i]); err != nil {
				return fmt.Errorf("row %d column %q: %w", r, t.Columns[i], err)
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteString("]\n")
	_, err := w.Write(buf.Bytes())
	return err
}

func writeCell(buf *bytes.Buffer, cell string, k Kind) error {
	if IsMissing(cell) {
		buf.WriteString("null")
		return nil
	}
	switch {
	case k.Numeric():
		if f, ok := ParseNumber(cell); ok {
			b, err := json.Marshal(normalize.Float(f))
			if err != nil {
				return err
			}
			buf.Write(b)
			return nil
		}
	case k == KindBool:
		if b, ok := ParseBool(cell); ok {
			buf.WriteString(strconv.FormatBool(b))
			return nil
		}
	}
	s, err := json.Marshal(cell)
	if err != nil {
		return err
	}
	buf.Write(s)
	return nil
}

// Info renders a df.info()-style description used as code generation context.
func (t *Table) Info() string {
	var b strings.Builder
	kinds := t.Kinds()
	fmt.Fprintf(&b, "DataFrame %q: %d rows x %d columns\n", t.Name, len(t.Rows), len(t.Columns))
	b.WriteString(" #  Column  Non-Null Count  Dtype\n")
	for i, c := range t.Columns {
		nn := 0
		for _, row := range t.Rows {
			if i < len(row) && !IsMissing(row[i]) {
				nn++
			}
		}
		fmt.Fprintf(&b, "%2d  %s  %d non-null  %s\n", i, c, nn, kinds[i])
	}
	return b.String()
}
