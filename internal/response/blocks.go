// Package response turns free-form LLM completions into structured data
// using a delimited-block text protocol.
//
// A block is the text between a literal start marker and the first end
// marker that follows it. Inside a block, records are separated by one or
// more blank lines and each record is a set of "Label: value" lines.
package response

import "strings"

// Block markers.
const (
	ColumnsStart  = "---COLUMNS_START---"
	ColumnsEnd    = "---COLUMNS_END---"
	DatetimeStart = "---DATETIME_CANDIDATES_START---"
	DatetimeEnd   = "---DATETIME_CANDIDATES_END---"
	MetricsStart  = "---METRICS_START---"
	MetricsEnd    = "---METRICS_END---"
)

// Field labels.
const (
	LabelColumn      = "Столбец:"
	LabelType        = "Тип:"
	LabelDescription = "Описание:"
	LabelMetrics     = "Метрики:"
)

// Block returns the trimmed text between the first start marker and the
// first end marker after it. ok is false when either marker is missing.
func Block(text, start, end string) (string, bool) {
	i := strings.Index(text, start)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

// Records splits a block into records of trimmed, non-blank lines. A
// whitespace-only line ends the current record.
func Records(block string) [][]string {
	var (
		out [][]string
		cur []string
	)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// SplitList splits a comma-separated value, trimming items and dropping
// empty ones. It never returns nil.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func labelValue(line, label string) (string, bool) {
	if !strings.HasPrefix(line, label) {
		return "", false
	}
	return strings.TrimSpace(line[len(label):]), true
}

func preview(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
