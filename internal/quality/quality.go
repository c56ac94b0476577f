package quality

import (
	"math"
	"strings"
	"unicode"
)

// Report rates how readable OCR output is. A low score on a failed match
// usually means a blurry or badly lit photo rather than the wrong page.
type Report struct {
	Legibility float64  `json:"legibility"`
	Illegible  bool     `json:"illegible"`
	Reasons    []string `json:"reasons,omitempty"`
	WordCount  int      `json:"wordCount"`
}

func CountWords(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

// Assess scores OCR lines. minWords is the word count below which the text
// is considered too short to be a full page.
func Assess(lines []string, minWords int) Report {
	clean := normalize(strings.Join(lines, "\n"))
	wc := CountWords(clean)

	total := float64(len([]rune(clean)))
	if total == 0 {
		return Report{
			Legibility: 0,
			Illegible:  true,
			Reasons:    []string{"empty_text"},
		}
	}

	alphaRatio := safeDiv(float64(countIf(clean, unicode.IsLetter)), total)
	garbageRatio := safeDiv(float64(countGarbage(clean)), total)
	punctRatio := safeDiv(float64(countIf(clean, unicode.IsPunct)+countIf(clean, unicode.IsSymbol)), total)
	scrambled := singleCharRatio(clean)

	score := 1.0
	reasons := []string{}

	if wc < minWords {
		penalty := 0.30
		if wc < minWords/2 {
			penalty = 0.45
		}
		score -= penalty
		reasons = append(reasons, "low_word_count")
	}

	// Book pages are prose; a photo of one should be mostly letters.
	if alphaRatio < 0.50 {
		penalty := 0.30
		if alphaRatio < 0.30 {
			penalty = 0.50
		}
		score -= penalty
		reasons = append(reasons, "low_alpha_ratio")
	}

	if garbageRatio > 0.01 {
		score -= math.Min(0.50, garbageRatio*50)
		reasons = append(reasons, "garbage_chars")
	}

	// Blur makes tesseract emit runs of one-letter "words".
	if scrambled > 0.30 {
		score -= 0.25
		reasons = append(reasons, "scrambled_text")
	}

	if punctRatio > 0.25 {
		score -= 0.20
		reasons = append(reasons, "excessive_punctuation")
	}

	if hasRepeatedCharPatterns(clean) {
		score -= 0.15
		reasons = append(reasons, "repeated_patterns")
	}

	score = clamp(score, 0, 1)
	return Report{
		Legibility: score,
		Illegible:  score < 0.50,
		Reasons:    reasons,
		WordCount:  wc,
	}
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func hasRepeatedCharPatterns(s string) bool {
	// "....." or "-----" (5+ repetitions), typical of dot leaders read from noise
	consecutive := 1
	var last rune
	for _, r := range s {
		if r == last && !unicode.IsSpace(r) {
			consecutive++
			if consecutive >= 5 {
				return true
			}
		} else {
			consecutive = 1
			last = r
		}
	}
	return false
}

func singleCharRatio(s string) float64 {
	words := strings.Fields(s)
	if len(words) == 0 {
		return 0
	}
	single := 0
	for _, w := range words {
		if len([]rune(w)) == 1 {
			single++
		}
	}
	return float64(single) / float64(len(words))
}

func countIf(s string, pred func(rune) bool) int {
	n := 0
	for _, r := range s {
		if pred(r) {
			n++
		}
	}
	return n
}

func countGarbage(s string) int {
	n := 0
	for _, r := range s {
		if r == '\uFFFD' || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			n++
		}
	}
	return n
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
