package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrTooLarge is returned when the input exceeds LoadOptions.MaxBytes.
	ErrTooLarge = errors.New("file exceeds the configured size limit")
	// ErrUnsupportedFormat is returned for extensions no loader accepts.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// LoadOptions controls how files are read.
type LoadOptions struct {
	// MaxBytes rejects larger inputs with ErrTooLarge; 0 disables the check.
	MaxBytes int64
	// Formats restricts accepted extensions (".csv"); empty accepts every loader.
	Formats []string
	// Delimiter overrides CSV delimiter sniffing. Tab is assumed for .tsv and .txt.
	Delimiter rune
	// Sheet selects an xlsx sheet by name; SheetIndex (1-based) is used otherwise.
	Sheet      string
	SheetIndex int
}

// Loader decodes one family of file formats.
type Loader interface {
	CanLoad(filename string) bool
	Load(data []byte, opt LoadOptions) ([][]string, error)
}

var loaders []Loader

// Register adds a loader. Later registrations do not shadow earlier ones.
func Register(l Loader) { loaders = append(loaders, l) }

func init() {
	Register(delimitedLoader{})
	Register(xlsxLoader{})
	Register(jsonLoader{})
}

// Load reads the file at path into a Table named after the file.
func Load(path string, opt LoadOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if opt.MaxBytes > 0 {
		if st, err := f.Stat(); err == nil && st.Size() > opt.MaxBytes {
			return nil, fmt.Errorf("%s is %d bytes (limit %d): %w", filepath.Base(path), st.Size(), opt.MaxBytes, ErrTooLarge)
		}
	}
	return LoadReader(filepath.Base(path), f, opt)
}

// LoadReader reads a dataset from r; name supplies the extension.
func LoadReader(name string, r io.Reader, opt LoadOptions) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if len(opt.Formats) > 0 && !containsFold(opt.Formats, ext) {
		return nil, fmt.Errorf("%s: %w (supported: %s)", name, ErrUnsupportedFormat, strings.Join(opt.Formats, ", "))
	}
	var l Loader
	for _, cand := range loaders {
		if cand.CanLoad(name) {
			l = cand
			break
		}
	}
	if l == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
	}
	if opt.Delimiter == 0 && (ext == ".tsv" || ext == ".txt") {
		opt.Delimiter = '\t'
	}
	if opt.MaxBytes > 0 {
		r = io.LimitReader(r, opt.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if opt.MaxBytes > 0 && int64(len(data)) > opt.MaxBytes {
		return nil, fmt.Errorf("%s: %w", name, ErrTooLarge)
	}
	records, err := l.Load(data, opt)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return fromRecords(name, records), nil
}

// fromRecords uses the first record as the header. Blank and repeated
// header names are made unique the way pandas does ("Unnamed: 3", "a.1").
func fromRecords(name string, records [][]string) *Table {
	t := &Table{Name: name}
	if len(records) == 0 {
		t.Columns = []string{}
		t.Rows = [][]string{}
		return t
	}
	header := records[0]
	seen := map[string]int{}
	t.Columns = make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		if n, dup := seen[h]; dup {
			seen[h] = n + 1
			h = fmt.Sprintf("%s.%d", h, n+1)
		} else {
			seen[h] = 0
		}
		t.Columns[i] = h
	}
	t.Rows = make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if isBlankRecord(rec) {
			continue
		}
		row := make([]string, len(t.Columns))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t
}

func isBlankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func containsFold(list []string, ext string) bool {
	for _, f := range list {
		f = strings.ToLower(strings.TrimSpace(f))
		if !strings.HasPrefix(f, ".") {
			f = "." + f
		}
		if f == ext {
			return true
		}
	}
	return false
}

type delimitedLoader struct{}

func (delimitedLoader) CanLoad(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv", ".txt":
		return true
	}
	return false
}

func (delimitedLoader) Load(data []byte, opt LoadOptions) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = opt.Delimiter
	if cr.Comma == 0 {
		cr.Comma = SniffDelimiter(data)
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr.ReadAll()
}

// SniffDelimiter picks the most frequent of , ; tab | on the first line,
// ignoring quoted sections, and defaults to a comma.
func SniffDelimiter(data []byte) rune {
	line, _ := bufio.NewReader(bytes.NewReader(data)).ReadString('\n')
	counts := map[rune]int{}
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == ',' || r == ';' || r == '\t' || r == '|':
			counts[r]++
		}
	}
	best, bestN := ',', 0
	for _, r := range []rune{',', '\t', ';', '|'} {
		if counts[r] > bestN {
			best, bestN = r, counts[r]
		}
	}
	return best
}

type xlsxLoader struct{}

func (xlsxLoader) CanLoad(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".xlsx")
}

func (xlsxLoader) Load(data []byte, opt LoadOptions) ([][]string, error) {
	wb, err := openWorkbook(data)
	if err != nil {
		return nil, err
	}
	p, err := wb.sheetPath(opt.Sheet, opt.SheetIndex)
	if err != nil {
		return nil, err
	}
	return wb.rows(p)
}

type jsonLoader struct{}

func (jsonLoader) CanLoad(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".json")
}

// Load accepts an array of records or a pandas orient=columns object
// ({"col": {"0": v, ...}} or {"col": [v, ...]}).
func (jsonLoader) Load(data []byte, _ LoadOptions) ([][]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	switch tok {
	case json.Delim('['):
		return loadRecords(dec)
	case json.Delim('{'):
		return loadColumns(dec)
	}
	return nil, errors.New("parse json: expected an array of records or an object of columns")
}

type field struct {
	key string
	raw json.RawMessage
}

// readObject reads the members of an object whose '{' was already consumed.
func readObject(dec *json.Decoder) ([]field, error) {
	var out []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, field{key: key, raw: raw})
	}
	_, err := dec.Token()
	return out, err
}

func loadRecords(dec *json.Decoder) ([][]string, error) {
	var header []string
	index := map[string]int{}
	var rows []map[int]string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		if tok != json.Delim('{') {
			return nil, fmt.Errorf("parse json: record %d is not an object", len(rows))
		}
		fields, err := readObject(dec)
		if err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		row := map[int]string{}
		for _, f := range fields {
			i, ok := index[f.key]
			if !ok {
				i = len(header)
				index[f.key] = i
				header = append(header, f.key)
			}
			row[i] = cellFromJSON(f.raw)
		}
		rows = append(rows, row)
	}
	out := make([][]string, 0, len(rows)+1)
	out = append(out, header)
	for _, r := range rows {
		rec := make([]string, len(header))
		for i, v := range r {
			rec[i] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func loadColumns(dec *json.Decoder) ([][]string, error) {
	cols, err := readObject(dec)
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	header := make([]string, len(cols))
	values := make([]map[string]string, len(cols))
	var order []string
	seen := map[string]bool{}
	for c, col := range cols {
		header[c] = col.key
		values[c] = map[string]string{}
		var list []json.RawMessage
		if err := json.Unmarshal(col.raw, &list); err == nil {
			for i, raw := range list {
				k := strconv.Itoa(i)
				values[c][k] = cellFromJSON(raw)
				if !seen[k] {
					seen[k] = true
					order = append(order, k)
				}
			}
			continue
		}
		inner := json.NewDecoder(bytes.NewReader(col.raw))
		inner.UseNumber()
		if tok, err := inner.Token(); err != nil || tok != json.Delim('{') {
			return nil, fmt.Errorf("parse json: column %q is neither an array nor an object", col.key)
		}
		cells, err := readObject(inner)
		if err != nil {
			return nil, fmt.Errorf("parse json: column %q: %w", col.key, err)
		}
		for _, cell := range cells {
			values[c][cell.key] = cellFromJSON(cell.raw)
			if !seen[cell.key] {
				seen[cell.key] = true
				order = append(order, cell.key)
			}
		}
	}
	sortIndexKeys(order)
	out := make([][]string, 0, len(order)+1)
	out = append(out, header)
	for _, k := range order {
		rec := make([]string, len(header))
		for c := range header {
			rec[c] = values[c][k]
		}
		out = append(out, rec)
	}
	return out, nil
}

// sortIndexKeys orders integer index labels numerically and keeps
// first-seen order otherwise.
func sortIndexKeys(keys []string) {
	for _, k := range keys {
		if _, err := strconv.Atoi(k); err != nil {
			return
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
}

func cellFromJSON(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case 't':
		return "True"
	case 'f':
		return "False"
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String()
		}
	}
	return string(raw)
}
