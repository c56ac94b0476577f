package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toricodesthings/page-verification-service/internal/config"
	"github.com/toricodesthings/page-verification-service/internal/match"
	"github.com/toricodesthings/page-verification-service/internal/quality"
	"github.com/toricodesthings/page-verification-service/internal/verify"
)

func init() {
	color.NoColor = true
}

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.JPG", "notes.txt", "c.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))
	single := filepath.Join(t.TempDir(), "single.tiff")
	require.NoError(t, os.WriteFile(single, []byte("x"), 0o644))

	got, err := collectInputs([]string{single, dir}, []string{".png", ".jpg", ".pdf", ".tiff"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		single,
		filepath.Join(dir, "a.JPG"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "c.pdf"),
	}, got)

	_, err = collectInputs([]string{filepath.Join(dir, "missing.png")}, nil)
	assert.Error(t, err)
}

func TestReadReferenceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.txt")
	require.NoError(t, os.WriteFile(path, []byte("\n  the quick brown fox \n\njumps over\n"), 0o644))

	lines, err := readReferenceFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"the quick brown fox", "jumps over"}, lines)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte(" \n\n"), 0o644))
	_, err = readReferenceFile(empty)
	assert.Error(t, err)
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer

	printOutcome(&buf, "p1.jpg", verify.Result{
		Page:    12,
		State:   verify.StateMatched,
		Verdict: match.Verdict{IsMatch: true, Score: 0.9},
	}, nil)
	assert.Equal(t, "✓ p1.jpg matched page 12 (score 90.0%)\n", buf.String())

	buf.Reset()
	printOutcome(&buf, "p2.jpg", verify.Result{
		Page:    12,
		State:   verify.StateNotMatched,
		Verdict: match.Verdict{Score: 0.1},
		Quality: quality.Report{Illegible: true, Reasons: []string{"low_word_count", "garbage_chars"}},
	}, nil)
	assert.Contains(t, buf.String(), "did not match page 12 (score 10.0%)")
	assert.Contains(t, buf.String(), "low_word_count, garbage_chars")

	buf.Reset()
	printOutcome(&buf, "p3.jpg", verify.Result{}, &verify.Error{Kind: verify.KindLookupMiss, State: verify.StateLookup})
	assert.Contains(t, buf.String(), "✗ p3.jpg")
	assert.Contains(t, buf.String(), "(lookup_miss)")
}

func TestSummarizeAndExitCode(t *testing.T) {
	matched := verify.Result{State: verify.StateMatched}
	missed := verify.Result{State: verify.StateNotMatched}
	failure := &verify.Error{Kind: verify.KindOCRFailed}

	m, total := summarize([]batchItem{{res: matched}, {res: missed}, {err: failure}, {res: matched}})
	assert.Equal(t, 2, m)
	assert.Equal(t, 4, total)

	assert.Equal(t, 0, exitCode(matched, nil))
	assert.Equal(t, 1, exitCode(missed, nil))
	assert.Equal(t, 2, exitCode(verify.Result{}, failure))
}

func TestRunUsage(t *testing.T) {
	assert.Equal(t, 2, run(nil))
	assert.Equal(t, 2, run([]string{"frobnicate"}))
	assert.Equal(t, 0, run([]string{"help"}))
	assert.Equal(t, 2, run([]string{"verify", "-isbn", "0", "photo.jpg"}))
}

func TestLoadUploadRejectsExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.docx")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	cfg := config.Config{MaxUploadBytes: 1 << 20, AllowedExtensions: []string{".png"}}
	_, err := loadUpload(path, cfg)
	assert.ErrorIs(t, err, verify.ErrExtension)
}
