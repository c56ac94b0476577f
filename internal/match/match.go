// Package match decides whether OCR output corresponds to a stored reference
// page. The score is the longest common token subsequence divided by the
// length of the longer token stream, which tolerates OCR noise (substituted
// characters, lost punctuation, different line breaks) far better than a
// byte-level edit distance.
package match

import (
	"strings"
)

// DefaultThreshold is the minimum similarity accepted as a match.
const DefaultThreshold = 0.75

type Verdict struct {
	IsMatch bool    `json:"isMatch"`
	Score   float64 `json:"score"`
}

// Matcher is stateless apart from its threshold and safe for concurrent use.
type Matcher struct {
	Threshold float64
}

func New(threshold float64) Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match compares extracted lines against reference lines. Empty extracted
// text is a normal negative result.
func (m Matcher) Match(extracted, reference []string) Verdict {
	threshold := m.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	a := Tokens(extracted)
	if len(a) == 0 {
		return Verdict{}
	}
	score := similarity(a, Tokens(reference))
	return Verdict{IsMatch: score >= threshold, Score: score}
}

// Normalize lowercases each line, collapses whitespace runs, trims it and
// drops lines left empty.
func Normalize(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		ln = strings.Join(strings.Fields(strings.ToLower(ln)), " ")
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

// Tokens flattens the normalized lines into one whitespace-delimited stream.
func Tokens(lines []string) []string {
	var out []string
	for _, ln := range Normalize(lines) {
		out = append(out, strings.Fields(ln)...)
	}
	return out
}

// Similarity returns the token LCS ratio of a and b in [0,1]. It is
// symmetric: Similarity(a, b) == Similarity(b, a).
func Similarity(a, b []string) float64 {
	return similarity(Tokens(a), Tokens(b))
}

func similarity(a, b []string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 || min(len(a), len(b)) == 0 {
		return 0
	}
	return float64(lcsLen(a, b)) / float64(longest)
}

// lcsLen computes the LCS length with two rolling rows sized to the shorter
// input.
func lcsLen(a, b []string) int {
	if len(b) > len(a) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
