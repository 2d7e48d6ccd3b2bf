package normalize

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type label string
type score float64
type flag bool
type count32 int32

type badText struct{ ID int }

func (badText) MarshalText() ([]byte, error) { return nil, errors.New("no text") }

type panicText struct{}

func (panicText) MarshalText() ([]byte, error) { panic("boom") }

type Embedded struct {
	Extra float64
	Name  string
}

type row struct {
	Name   string  `json:"name"`
	Age    int     `json:"age,omitempty"`
	Score  float64 `json:"score"`
	Skip   string  `json:"-"`
	hidden int
	Embedded
}

func TestNormalizeScalars(t *testing.T) {
	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	seven := 7
	var nilInt *int

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"int8", int8(-3), int64(-3)},
		{"int64", int64(math.MaxInt64), int64(math.MaxInt64)},
		{"uint16", uint16(7), int64(7)},
		{"uint64 fits", uint64(1 << 40), int64(1 << 40)},
		{"uint64 overflow", uint64(math.MaxUint64), "18446744073709551615"},
		{"float32", float32(1.5), 1.5},
		{"float64", 2.25, 2.25},
		{"nan", math.NaN(), "nan"},
		{"pos inf", math.Inf(1), "inf"},
		{"neg inf float32", float32(math.Inf(-1)), "-inf"},
		{"named string", label("age"), "age"},
		{"named float", score(0.5), 0.5},
		{"named bool", flag(true), true},
		{"named int", count32(9), int64(9)},
		{"time", ts, "2023-01-02T03:04:05Z"},
		{"time out of range", time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC), "10000-01-01 00:00:00 +0000 UTC"},
		{"duration", 26 * time.Hour, "P1DT2H0M0S"},
		{"negative duration", -1500 * time.Millisecond, "-P0DT0H0M1.5S"},
		{"json int", json.Number("12"), int64(12)},
		{"json float", json.Number("1.25"), 1.25},
		{"big int", big.NewInt(5), int64(5)},
		{"big int overflow", new(big.Int).Lsh(big.NewInt(1), 70), "1180591620717411303424"},
		{"big rat exact", big.NewRat(1, 2), 0.5},
		{"big rat inexact", big.NewRat(1, 3), "1/3"},
		{"big float", big.NewFloat(0.75), 0.75},
		{"text marshaler", net.ParseIP("10.0.0.1"), "10.0.0.1"},
		{"text marshaler error", badText{ID: 7}, "{7}"},
		{"text marshaler panic", panicText{}, "{}"},
		{"pointer", &seven, int64(7)},
		{"nil pointer", nilInt, nil},
		{"bytes", []byte("hi"), "hi"},
		{"complex", complex(1, 2), "(1+2i)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeContainers(t *testing.T) {
	ts := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	t.Run("grid", func(t *testing.T) {
		got := Normalize([2][2]int{{1, 2}, {3, 4}})
		assert.Equal(t, []any{[]any{int64(1), int64(2)}, []any{int64(3), int64(4)}}, got)
	})
	t.Run("sequence with nan", func(t *testing.T) {
		assert.Equal(t, []any{1.0, "nan"}, Normalize([]float64{1, math.NaN()}))
	})
	t.Run("int keys", func(t *testing.T) {
		assert.Equal(t, map[string]any{"1": 2.5}, Normalize(map[int]float64{1: 2.5}))
	})
	t.Run("mixed keys", func(t *testing.T) {
		in := map[any]any{nil: 1, 2.5: "x", true: false, ts: uint8(3)}
		want := map[string]any{
			"null":                 int64(1),
			"2.5":                  "x",
			"true":                 false,
			"2024-05-06T00:00:00Z": int64(3),
		}
		assert.Equal(t, want, Normalize(in))
	})
	t.Run("nan key", func(t *testing.T) {
		assert.Equal(t, map[string]any{"nan": int64(1)}, Normalize(map[float64]int{math.NaN(): 1}))
	})
	t.Run("colliding keys resolve deterministically", func(t *testing.T) {
		in := map[any]any{1: "int", "1": "string"}
		for i := 0; i < 20; i++ {
			assert.Equal(t, map[string]any{"1": "string"}, Normalize(in))
		}
		nan := map[float64]int{}
		nan[math.NaN()] = 1
		nan[math.NaN()] = 2
		for i := 0; i < 200; i++ {
			assert.Equal(t, map[string]any{"nan": int64(2)}, Normalize(nan))
		}
	})
	t.Run("struct", func(t *testing.T) {
		in := row{Name: "a", Score: math.Inf(1), Skip: "x", hidden: 3, Embedded: Embedded{Extra: 1.5, Name: "shadowed"}}
		want := map[string]any{"name": "a", "score": "inf", "Extra": 1.5, "Name": "shadowed"}
		assert.Equal(t, want, Normalize(in))
	})
	t.Run("interface slice", func(t *testing.T) {
		in := []any{nil, int16(2), []string{"a"}, map[string]any{"d": 30 * time.Minute}}
		want := []any{nil, int64(2), []any{"a"}, map[string]any{"d": "P0DT0H30M0S"}}
		assert.Equal(t, want, Normalize(in))
	})
	t.Run("channel falls back to text", func(t *testing.T) {
		assert.IsType(t, "", Normalize(make(chan int)))
	})
}

func TestNormalizeCanonicalValuesUnchanged(t *testing.T) {
	inputs := []any{
		nil,
		true,
		int64(-5),
		3.5,
		"text",
		[]any{int64(1), "a", nil, false},
		map[string]any{"k": []any{1.5, map[string]any{"n": int64(2)}}},
	}
	for _, in := range inputs {
		assert.Equal(t, in, Normalize(in))
	}
}

func TestNormalizeIdempotentAndClosed(t *testing.T) {
	in := map[any]any{
		"age":     map[string]any{"mean": float32(29.5), "std": math.NaN(), "count": uint32(891)},
		7:         []time.Duration{time.Second, 90 * time.Minute},
		"dates":   []time.Time{time.Date(2020, 2, 29, 12, 0, 0, 0, time.UTC)},
		"grid":    [1][3]float64{{1, math.Inf(-1), 3}},
		"big":     new(big.Int).Lsh(big.NewInt(3), 80),
		"ptr":     &Embedded{Extra: 2},
		"labels":  []label{"x", "y"},
		"complex": complex64(1),
	}
	once := Normalize(in)
	assertClosed(t, once)
	assert.Equal(t, once, Normalize(once))

	b, err := Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"std":"nan"`)
}

func TestISODuration(t *testing.T) {
	assert.Equal(t, "P0DT0H0M0S", ISODuration(0))
	assert.Equal(t, "P0DT0H0M0.000000001S", ISODuration(time.Nanosecond))
	assert.Equal(t, "P3DT0H0M0S", ISODuration(72*time.Hour))
	assert.Equal(t, "-P106751DT23H47M16.854775808S", ISODuration(time.Duration(math.MinInt64)))
}

func assertClosed(t *testing.T, v any) {
	t.Helper()
	switch x := v.(type) {
	case nil, bool, int64, string:
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("non-finite float in output: %v", x)
		}
	case []any:
		for _, e := range x {
			assertClosed(t, e)
		}
	case map[string]any:
		for _, e := range x {
			assertClosed(t, e)
		}
	default:
		t.Fatalf("value outside closed set: %T", v)
	}
}
