package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnavailable means the engine could not be spawned at all (missing
	// binary, permissions). Retrying will not help.
	ErrUnavailable = errors.New("ocr engine unavailable")
	// ErrFailed means the engine ran but produced no usable output.
	ErrFailed = errors.New("ocr failed")
	// ErrCancelled is returned by Wait after Cancel.
	ErrCancelled = errors.New("ocr cancelled")
)

// Text is the ordered line sequence read from the engine's output artifact.
type Text []string

// Engine starts OCR against an image. outBase is the artifact path without
// extension; see ArtifactPath.
type Engine interface {
	Start(ctx context.Context, imagePath, outBase, lang string) (Job, error)
}

// Job is a running OCR process.
type Job interface {
	// Wait blocks until the process exits and returns its text.
	Wait(ctx context.Context) (Text, error)
	// Cancel kills the process. It is a no-op once the process has exited
	// and may be called any number of times.
	Cancel() error
}

// ArtifactPath is where tesseract writes text for a given output base.
func ArtifactPath(outBase string) string {
	return outBase + ".txt"
}

type Tesseract struct {
	binary string
	sem    *semaphore.Weighted
}

// NewTesseract returns an engine running binary with at most maxConcurrent
// processes alive at once.
func NewTesseract(binary string, maxConcurrent int64) *Tesseract {
	if strings.TrimSpace(binary) == "" {
		binary = "tesseract"
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Tesseract{binary: binary, sem: semaphore.NewWeighted(maxConcurrent)}
}

// Start spawns `tesseract <image> <outBase> -l <lang>` without waiting for it.
// The spawn slot is held until the process has been reaped.
func (t *Tesseract) Start(ctx context.Context, imagePath, outBase, lang string) (Job, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire ocr slot: %w", err)
	}

	args := []string{imagePath, outBase}
	if lang = strings.TrimSpace(lang); lang != "" {
		args = append(args, "-l", lang)
	}
	cmd := exec.Command(t.binary, args...)
	// nil Stdout/Stderr go to the null device; only the exit status matters.
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = append(os.Environ(), "OMP_THREAD_LIMIT=1")

	if err := cmd.Start(); err != nil {
		t.sem.Release(1)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	j := &tesseractJob{
		cmd:      cmd,
		artifact: ArtifactPath(outBase),
		done:     make(chan struct{}),
	}
	go func() {
		j.exitErr = cmd.Wait()
		close(j.done)
		t.sem.Release(1)
	}()
	return j, nil
}

// Version runs `tesseract --version` and returns its first output line.
func (t *Tesseract) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, t.binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(first), nil
}

type tesseractJob struct {
	cmd      *exec.Cmd
	artifact string

	done    chan struct{}
	exitErr error

	cancelled  atomic.Bool
	cancelOnce sync.Once
	killErr    error
}

func (j *tesseractJob) Wait(ctx context.Context) (Text, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		_ = j.kill()
		<-j.done
		// A process that exited cleanly before the kill keeps its result.
		if j.exitErr != nil || j.cancelled.Load() {
			return nil, fmt.Errorf("%w: %w", ErrFailed, ctx.Err())
		}
	}

	if j.cancelled.Load() {
		return nil, ErrCancelled
	}
	if j.exitErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, j.exitErr)
	}
	text, err := ReadArtifact(j.artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return text, nil
}

func (j *tesseractJob) Cancel() error {
	j.cancelled.Store(true)
	err := j.kill()
	<-j.done
	return err
}

func (j *tesseractJob) kill() error {
	j.cancelOnce.Do(func() {
		select {
		case <-j.done:
			return
		default:
		}
		if err := j.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			j.killErr = err
		}
	})
	return j.killErr
}
