package ocr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTesseract writes a shell script standing in for the tesseract binary.
// The script receives "<image> <outBase> -l <lang>" like the real engine.
func fakeTesseract(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "tesseract")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestTesseractSuccess(t *testing.T) {
	bin := fakeTesseract(t, `printf 'The quick brown fox \r\njumps over\n\n\f' > "$2.txt"; echo noise >&2`)
	dir := t.TempDir()
	outBase := filepath.Join(dir, "tess_1")

	job, err := NewTesseract(bin, 2).Start(context.Background(), "img.png", outBase, "ita")
	require.NoError(t, err)

	text, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Text{"The quick brown fox", "jumps over"}, text)
	assert.FileExists(t, ArtifactPath(outBase))

	require.NoError(t, job.Cancel(), "cancel after exit is a no-op")
}

func TestTesseractPassesLanguage(t *testing.T) {
	bin := fakeTesseract(t, `echo "$1|$3|$4" > "$2.txt"`)
	outBase := filepath.Join(t.TempDir(), "tess")

	job, err := NewTesseract(bin, 1).Start(context.Background(), "page.png", outBase, "ita")
	require.NoError(t, err)
	text, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Text{"page.png|-l|ita"}, text)
}

func TestTesseractMissingBinary(t *testing.T) {
	eng := NewTesseract(filepath.Join(t.TempDir(), "does-not-exist"), 1)
	_, err := eng.Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "out"), "ita")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	// the slot must have been returned
	_, err = eng.Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "out"), "ita")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestTesseractNonZeroExit(t *testing.T) {
	bin := fakeTesseract(t, `exit 3`)
	job, err := NewTesseract(bin, 1).Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "out"), "")
	require.NoError(t, err)
	_, err = job.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrFailed))
}

func TestTesseractMissingArtifact(t *testing.T) {
	bin := fakeTesseract(t, `exit 0`)
	job, err := NewTesseract(bin, 1).Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "out"), "")
	require.NoError(t, err)
	_, err = job.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrFailed))
}

func TestTesseractCancelKillsProcess(t *testing.T) {
	bin := fakeTesseract(t, `sleep 30; echo late > "$2.txt"`)
	outBase := filepath.Join(t.TempDir(), "out")
	job, err := NewTesseract(bin, 1).Start(context.Background(), "img.png", outBase, "")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, job.Cancel())
	require.NoError(t, job.Cancel())
	assert.Less(t, time.Since(start), 10*time.Second)

	_, err = job.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.NoFileExists(t, ArtifactPath(outBase))
}

func TestTesseractWaitHonoursContext(t *testing.T) {
	bin := fakeTesseract(t, `sleep 30`)
	job, err := NewTesseract(bin, 1).Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "out"), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = job.Wait(ctx)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTesseractFinishedJobSurvivesDoneContext(t *testing.T) {
	bin := fakeTesseract(t, `echo "pagina dodici" > "$2.txt"`)
	job, err := NewTesseract(bin, 1).Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "out"), "ita")
	require.NoError(t, err)

	text, err := job.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, Text{"pagina dodici"}, text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 200; i++ {
		got, err := job.Wait(ctx)
		require.NoError(t, err, "iteration %d", i)
		require.Equal(t, text, got, "iteration %d", i)
	}
}

func TestTesseractSlotBlocksUntilReaped(t *testing.T) {
	bin := fakeTesseract(t, `sleep 30`)
	eng := NewTesseract(bin, 1)
	job, err := eng.Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "a"), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = eng.Start(ctx, "img.png", filepath.Join(t.TempDir(), "b"), "")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, job.Cancel())
	job2, err := eng.Start(context.Background(), "img.png", filepath.Join(t.TempDir(), "c"), "")
	require.NoError(t, err)
	require.NoError(t, job2.Cancel())
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, Text{}, SplitLines(" \n\f\n"))
	assert.Equal(t, Text{"a", "", "b"}, SplitLines("\na\u200b  \r\n\r\nb\n\f"))
	assert.True(t, Text{"", "  "}.Empty())
	assert.False(t, Text{"", "x"}.Empty())
}
