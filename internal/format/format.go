package format

import (
	"fmt"
	"strings"
)

// Combine joins non-blank lines with sep, trimming each one. When maxChars is
// positive the result is cut at that many runes and marked with an ellipsis.
func Combine(lines []string, sep string, maxChars int) string {
	var b strings.Builder
	first := true
	for _, ln := range lines {
		txt := strings.TrimSpace(ln)
		if txt == "" {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		first = false
		b.WriteString(txt)
	}
	out := b.String()
	if maxChars > 0 {
		if r := []rune(out); len(r) > maxChars {
			out = string(r[:maxChars]) + "…"
		}
	}
	return out
}

// Percent renders a [0,1] score as a percentage with one decimal.
func Percent(score float64) string {
	return fmt.Sprintf("%.1f%%", score*100)
}
