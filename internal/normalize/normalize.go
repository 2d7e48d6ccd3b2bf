// Package normalize reduces arbitrary Go values to a closed, JSON-safe set:
// nil, bool, int64, finite float64, string, []any and map[string]any.
//
// Dispatch is an ordered table of predicate/handler rules evaluated against
// reflect.Value; the first matching rule wins. Handlers never fail: a panic
// inside a handler degrades that single value to its string form.
package normalize

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Non-finite float spellings.
const (
	NaN    = "nan"
	PosInf = "inf"
	NegInf = "-inf"
)

type rule struct {
	name  string
	match func(reflect.Value) bool
	apply func(reflect.Value) any
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	durationType      = reflect.TypeOf(time.Duration(0))
	jsonNumberType    = reflect.TypeOf(json.Number(""))
	bigIntType        = reflect.TypeOf(big.Int{})
	bigFloatType      = reflect.TypeOf(big.Float{})
	bigRatType        = reflect.TypeOf(big.Rat{})
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// rules is assigned in init because handlers recurse through value().
var rules []rule

func init() {
	rules = []rule{
		{"nil", isNil, func(reflect.Value) any { return nil }},
		{"timestamp", isTimestamp, timestamp},
		{"big-number", isBigNumber, bigNumber},
		{"json-number", isType(jsonNumberType), jsonNumber},
		{"text-marshaler", isTextMarshaler, marshalText},
		{"wrapped-scalar", isKind(reflect.Pointer, reflect.Interface), func(rv reflect.Value) any { return value(rv.Elem()) }},
		{"map", isKind(reflect.Map), mapping},
		{"bytes", isUTF8Bytes, func(rv reflect.Value) any { return string(rv.Bytes()) }},
		{"sequence", isKind(reflect.Slice, reflect.Array), sequence},
		{"integer", isKind(reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64), func(rv reflect.Value) any { return rv.Int() }},
		{"unsigned", isKind(reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr), unsigned},
		{"float", isKind(reflect.Float32, reflect.Float64), func(rv reflect.Value) any { return Float(rv.Float()) }},
		{"bool", isKind(reflect.Bool), func(rv reflect.Value) any { return rv.Bool() }},
		{"string", isKind(reflect.String), func(rv reflect.Value) any { return rv.String() }},
		{"struct", isKind(reflect.Struct), structure},
		{"complex", isKind(reflect.Complex64, reflect.Complex128), complexText},
	}
}

// Normalize returns v converted to the closed value set. It never panics.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	return value(reflect.ValueOf(v))
}

// Marshal encodes the normalized form of v as JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(Normalize(v))
}

// Float maps non-finite floats to their string spelling and passes finite
// values through.
func Float(f float64) any {
	switch {
	case math.IsNaN(f):
		return NaN
	case math.IsInf(f, 1):
		return PosInf
	case math.IsInf(f, -1):
		return NegInf
	}
	return f
}

func value(rv reflect.Value) any {
	for _, r := range rules {
		if r.match(rv) {
			return guard(rv, r.apply)
		}
	}
	return fallback(rv)
}

func guard(rv reflect.Value, fn func(reflect.Value) any) (out any) {
	defer func() {
		if p := recover(); p != nil {
			out = fallback(rv)
		}
	}()
	return fn(rv)
}

func fallback(rv reflect.Value) (out any) {
	defer func() {
		if p := recover(); p != nil {
			out = rv.Type().String()
		}
	}()
	if !rv.IsValid() {
		return nil
	}
	if rv.CanInterface() {
		return fmt.Sprintf("%v", rv.Interface())
	}
	return rv.String()
}

func isKind(kinds ...reflect.Kind) func(reflect.Value) bool {
	return func(rv reflect.Value) bool {
		k := rv.Kind()
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

func isType(t reflect.Type) func(reflect.Value) bool {
	return func(rv reflect.Value) bool { return rv.Type() == t }
}

func isNil(rv reflect.Value) bool {
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return rv.IsNil()
	}
	return false
}

func isTimestamp(rv reflect.Value) bool {
	t := rv.Type()
	return t == timeType || t == durationType
}

func timestamp(rv reflect.Value) any {
	if rv.Type() == durationType {
		return ISODuration(time.Duration(rv.Int()))
	}
	t := rv.Interface().(time.Time)
	b, err := t.MarshalText()
	if err != nil {
		return t.String()
	}
	return string(b)
}

func isBigNumber(rv reflect.Value) bool {
	t := rv.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t == bigIntType || t == bigFloatType || t == bigRatType
}

func bigNumber(rv reflect.Value) any {
	if rv.Kind() != reflect.Pointer {
		cp := reflect.New(rv.Type())
		cp.Elem().Set(rv)
		rv = cp
	}
	switch x := rv.Interface().(type) {
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	case *big.Float:
		if f, acc := x.Float64(); acc == big.Exact && !math.IsInf(f, 0) {
			return f
		}
		return x.Text('g', -1)
	case *big.Rat:
		if f, exact := x.Float64(); exact {
			return f
		}
		return x.RatString()
	}
	return fallback(rv)
}

func jsonNumber(rv reflect.Value) any {
	n := json.Number(rv.String())
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return Float(f)
	}
	return n.String()
}

func isTextMarshaler(rv reflect.Value) bool {
	return rv.CanInterface() && rv.Type().Implements(textMarshalerType)
}

func marshalText(rv reflect.Value) any {
	b, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
	if err != nil {
		return fallback(rv)
	}
	return string(b)
}

func isUTF8Bytes(rv reflect.Value) bool {
	return rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 && utf8.Valid(rv.Bytes())
}

func sequence(rv reflect.Value) any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = value(rv.Index(i))
	}
	return out
}

func unsigned(rv reflect.Value) any {
	u := rv.Uint()
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10)
	}
	return int64(u)
}

func complexText(rv reflect.Value) any {
	size := 128
	if rv.Kind() == reflect.Complex64 {
		size = 64
	}
	return strconv.FormatComplex(rv.Complex(), 'g', -1, size)
}

type mapEntry struct {
	key   string
	order string
	val   any
}

// mapping walks keys in a deterministic order so that keys colliding after
// conversion resolve the same way on every call.
func mapping(rv reflect.Value) any {
	entries := make([]mapEntry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		entries = append(entries, mapEntry{key: Key(k), order: keyOrder(k), val: value(iter.Value())})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		// NaN keys tie on both; the encoded value settles it
		a, _ := json.Marshal(entries[i].val)
		b, _ := json.Marshal(entries[j].val)
		return string(a) < string(b)
	})
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		out[e.key] = e.val
	}
	return out
}

func keyOrder(k reflect.Value) string {
	if k.CanInterface() {
		return fmt.Sprintf("%T:%v", k.Interface(), k.Interface())
	}
	return k.Type().String()
}

// Key converts a map key to its string form.
func Key(k reflect.Value) string {
	out := guard(k, key)
	if s, ok := out.(string); ok {
		return s
	}
	return fmt.Sprint(out)
}

func key(k reflect.Value) any {
	for k.IsValid() && k.Kind() == reflect.Interface {
		if k.IsNil() {
			return "null"
		}
		k = k.Elem()
	}
	if !k.IsValid() {
		return "null"
	}
	switch {
	case isTimestamp(k):
		return timestamp(k)
	case isTextMarshaler(k):
		return marshalText(k)
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		if s, ok := Float(k.Float()).(string); ok {
			return s
		}
		return strconv.FormatFloat(k.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(k.Bool())
	case reflect.String:
		return k.String()
	case reflect.Pointer:
		if k.IsNil() {
			return "null"
		}
	}
	return fallback(k)
}

// structure renders exported fields keyed by their json names. Fields of
// embedded structs are promoted unless an outer field already uses the name.
func structure(rv reflect.Value) any {
	out := map[string]any{}
	var embedded []reflect.Value
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts := parseTag(f.Tag.Get("json"))
		if name == "-" && opts == "" {
			continue
		}
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				embedded = append(embedded, fv)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out[name] = value(fv)
	}
	for _, ev := range embedded {
		inner, ok := guard(ev, structure).(map[string]any)
		if !ok {
			continue
		}
		for k, v := range inner {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return out
}

func parseTag(tag string) (name, opts string) {
	name, opts, _ = strings.Cut(tag, ",")
	return name, opts
}

// ISODuration formats d as an ISO-8601 duration with day, hour, minute and
// second designators, e.g. P1DT2H0M0S or -P0DT0H0M0.5S.
func ISODuration(d time.Duration) string {
	var b strings.Builder
	u := uint64(d)
	if d < 0 {
		b.WriteByte('-')
		u = uint64(-(d + 1)) + 1
	}
	const (
		second = uint64(time.Second)
		minute = uint64(time.Minute)
		hour   = uint64(time.Hour)
		day    = 24 * hour
	)
	days := u / day
	u %= day
	hours := u / hour
	u %= hour
	minutes := u / minute
	u %= minute
	secs := u / second
	nanos := u % second
	fmt.Fprintf(&b, "P%dDT%dH%dM%d", days, hours, minutes, secs)
	if nanos > 0 {
		frac := strconv.FormatUint(nanos+second, 10)[1:]
		b.WriteByte('.')
		b.WriteString(strings.TrimRight(frac, "0"))
	}
	b.WriteByte('S')
	return b.String()
}
