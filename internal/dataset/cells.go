package dataset

import (
	"strconv"
	"strings"
	"time"
)

// Kind is the inferred storage type of a column, named after the pandas dtypes
// that generated analysis code will see.
type Kind string

const (
	KindInt      Kind = "int64"
	KindFloat    Kind = "float64"
	KindBool     Kind = "bool"
	KindDatetime Kind = "datetime64"
	KindObject   Kind = "object"
)

// Numeric reports whether values of this kind parse with ParseNumber.
func (k Kind) Numeric() bool { return k == KindInt || k == KindFloat }

// missingTokens mirrors the default NA spellings recognised by pandas readers.
var missingTokens = map[string]struct{}{
	"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {},
	"-NaN": {}, "-nan": {}, "1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {},
	"NA": {}, "NULL": {}, "NaN": {}, "None": {}, "n/a": {}, "nan": {}, "null": {},
}

// IsMissing reports whether a raw cell counts as a missing value.
func IsMissing(s string) bool {
	_, ok := missingTokens[strings.TrimSpace(s)]
	return ok
}

// ParseNumber parses a numeric cell. Decimal and thousands separators are
// auto-detected, so "1.000,5", "1,000.5" and "1000.5" all parse; a trailing
// percent sign is dropped.
func ParseNumber(s string) (float64, bool) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, false
	}
	raw = strings.TrimSuffix(raw, "%")
	raw = strings.ReplaceAll(raw, "\u00a0", " ")
	raw = strings.TrimSpace(raw)
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	var dec, thou byte = '.', 0
	cpos := strings.LastIndexByte(raw, ',')
	dpos := strings.LastIndexByte(raw, '.')
	switch {
	case cpos >= 0 && dpos >= 0 && cpos > dpos:
		dec, thou = ',', '.'
	case cpos >= 0 && dpos >= 0:
		dec, thou = '.', ','
	case cpos >= 0 && strings.Count(raw, ",") == 1 && len(raw)-cpos-1 != 3:
		dec = ','
	case cpos >= 0:
		thou = ','
	}
	raw = strings.ReplaceAll(raw, " ", "")
	if thou != 0 {
		raw = strings.ReplaceAll(raw, string(thou), "")
	}
	if dec != '.' {
		raw = strings.ReplaceAll(raw, string(dec), ".")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n, err == nil
}

// ParseBool accepts the spellings pandas maps to bool.
func ParseBool(s string) (bool, bool) {
	switch strings.TrimSpace(s) {
	case "True", "true", "TRUE":
		return true, true
	case "False", "false", "FALSE":
		return false, true
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano, time.RFC3339, "2006-01-02", "2006/01/02", "02.01.2006",
	"02/01/2006", "01/02/2006", "2006-01-02 15:04", "2006-01-02 15:04:05",
	"2006-01-02T15:04:05", "2006-01-02 15:04:05.999999", "1/2/2006 15:04",
	"1/2/2006 15:04:05", "02.01.2006 15:04", "02.01.2006 15:04:05",
}

// ParseTime tries the common date/time layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// InferKind picks the narrowest kind that fits every non-missing value.
// A column with no values is float64, as pandas reads an all-NA column, and
// integer columns with gaps widen to float64.
func InferKind(values []string) Kind {
	ints, floats, bools, times := true, true, true, true
	seen, missing := 0, 0
	for _, v := range values {
		if IsMissing(v) {
			missing++
			continue
		}
		seen++
		if ints {
			_, ints = parseInt(v)
		}
		if floats {
			_, floats = ParseNumber(v)
		}
		if bools {
			_, bools = ParseBool(v)
		}
		if times {
			_, times = ParseTime(v)
		}
		if !ints && !floats && !bools && !times {
			return KindObject
		}
	}
	switch {
	case seen == 0:
		return KindFloat
	case bools && missing == 0:
		return KindBool
	case bools:
		return KindObject
	case ints && missing == 0:
		return KindInt
	case ints:
		return KindFloat
	case floats:
		return KindFloat
	case times:
		return KindDatetime
	}
	return KindObject
}
