package match

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExactCopyMatches(t *testing.T) {
	ref := []string{"Chapter One", "It was a bright cold day in April,", "and the clocks were striking thirteen."}
	extracted := []string{"  chapter   ONE ", "", "it was a bright cold day in april,", "and the clocks were striking thirteen.\n"}

	v := New(DefaultThreshold).Match(extracted, ref)
	assert.True(t, v.IsMatch)
	assert.Equal(t, 1.0, v.Score)
}

func TestEmptyExtractedNeverMatches(t *testing.T) {
	m := New(DefaultThreshold)
	for _, extracted := range [][]string{nil, {}, {"", "   ", "\t\n"}} {
		v := m.Match(extracted, []string{"some reference text"})
		assert.False(t, v.IsMatch)
		assert.Equal(t, 0.0, v.Score)
	}
}

func TestOCRNoiseStillMatches(t *testing.T) {
	v := New(0.75).Match([]string{"the qu1ck brown fox"}, []string{"the quick brown fox"})
	assert.InDelta(t, 0.75, v.Score, 0.06)
	assert.True(t, v.IsMatch)
}

func TestUnrelatedTextDoesNotMatch(t *testing.T) {
	v := New(0.75).Match([]string{"unrelated garbage text here"}, []string{"chapter one: introduction"})
	assert.InDelta(t, 0.0, v.Score, 0.01)
	assert.False(t, v.IsMatch)
}

func TestLineBreaksDoNotMatter(t *testing.T) {
	ref := []string{"the quick brown fox jumps over the lazy dog"}
	extracted := []string{"the quick brown", "fox jumps over", "the lazy dog"}
	assert.Equal(t, 1.0, New(0).Match(extracted, ref).Score)
}

func TestThresholdBoundary(t *testing.T) {
	ref := []string{"a b c d"}
	extracted := []string{"a b c x"}
	assert.True(t, Matcher{Threshold: 0.75}.Match(extracted, ref).IsMatch)
	assert.False(t, Matcher{Threshold: 0.76}.Match(extracted, ref).IsMatch)
}

func TestInvalidThresholdFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultThreshold, New(0).Threshold)
	assert.Equal(t, DefaultThreshold, New(1.5).Threshold)
	assert.Equal(t, 0.5, New(0.5).Threshold)
}

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"  Hello\t  World ", "", "\n", "FOO"})
	assert.Equal(t, []string{"hello world", "foo"}, got)
}

func TestSimilaritySymmetric(t *testing.T) {
	vocab := []string{"the", "a", "page", "book", "fox", "lorem", "ipsum", "dolor", "x1", "qu1ck"}
	rng := rand.New(rand.NewSource(42))
	randomLines := func() []string {
		var lines []string
		for l := rng.Intn(4); l >= 0; l-- {
			words := make([]string, rng.Intn(12))
			for i := range words {
				words[i] = vocab[rng.Intn(len(vocab))]
			}
			lines = append(lines, strings.Join(words, " "))
		}
		return lines
	}

	for i := 0; i < 500; i++ {
		a, b := randomLines(), randomLines()
		ab, ba := Similarity(a, b), Similarity(b, a)
		assert.Equal(t, ab, ba, "a=%q b=%q", a, b)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	}
}

func TestLCSLen(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"a b c", "", 0},
		{"a b c", "a b c", 3},
		{"a b c d", "b d", 2},
		{"x a y b z c", "a b c", 3},
		{"a b c", "c b a", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lcsLen(strings.Fields(tt.a), strings.Fields(tt.b)), "%q vs %q", tt.a, tt.b)
		assert.Equal(t, tt.want, lcsLen(strings.Fields(tt.b), strings.Fields(tt.a)), "%q vs %q", tt.b, tt.a)
	}
}
