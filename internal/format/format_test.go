package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombine(t *testing.T) {
	lines := []string{"  Capitolo uno ", "", "\t", "Era una notte buia"}
	assert.Equal(t, "Capitolo uno / Era una notte buia", Combine(lines, " / ", 0))
	assert.Equal(t, "Capitolo…", Combine(lines, " / ", 8))
	assert.Equal(t, "", Combine(nil, "\n", 10))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "75.0%", Percent(0.75))
	assert.Equal(t, "100.0%", Percent(1))
}
