package utils_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KaramelBytes/edaloom/internal/utils"
)

func TestCountTokens(t *testing.T) {
	cases := []struct {
		name string
		in   string
		min  int
	}{
		{"empty", "", 0},
		{"simple", "hello world", 2},
		{"cyrillic", "Столбец", 1},
		{"long", strings.Repeat("a", 4000), 900},
	}
	for _, c := range cases {
		if got := utils.CountTokens(c.in); got < c.min {
			t.Errorf("%s: got %d < min %d", c.name, got, c.min)
		}
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	text := strings.Repeat("Метрики ", 1000)
	trunc := utils.TruncateToTokenLimit(text, 300)
	if n := utils.CountTokens(trunc); n > 300 {
		t.Fatalf("tokens=%d exceeds limit", n)
	}
	if len(trunc) == 0 {
		t.Fatalf("expected non-empty truncation")
	}
	if got := utils.TruncateToTokenLimit("short", 10); got != "short" {
		t.Fatalf("short text changed: %q", got)
	}
}

func TestSafeWriteFileReplacesAtomically(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	if err := utils.EnsureDir(dir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	path := filepath.Join(dir, "session.json")
	for _, body := range []string{"first", "second"} {
		if err := utils.SafeWriteFile(path, []byte(body)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "second" {
		t.Fatalf("content=%q", b)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
}

func TestPrettyJSON(t *testing.T) {
	b, err := utils.PrettyJSON(map[string]int{"rows": 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "{\n  \"rows\": 3\n}" {
		t.Fatalf("got %q", b)
	}
}
