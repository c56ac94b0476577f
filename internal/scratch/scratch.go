// Package scratch hands out uniquely named files under a dedicated scratch
// directory and removes them again. A Scope groups every artifact of one
// verification so a single deferred Release cleans all of them.
package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxAllocAttempts = 5

type Manager struct {
	dir string
}

func New(dir string) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scratch: directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("scratch: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("scratch: create dir: %w", err)
	}
	return &Manager{dir: abs}, nil
}

func (m *Manager) Dir() string { return m.dir }

// Allocate creates an empty file named prefix+<uuid>+suffix. The file is
// opened with O_EXCL so two live allocations can never share a name.
func (m *Manager) Allocate(prefix, suffix string) (string, error) {
	for i := 0; i < maxAllocAttempts; i++ {
		path := m.Reserve(prefix, suffix)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("scratch: allocate: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = Release(path)
			return "", fmt.Errorf("scratch: allocate: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("scratch: allocate %s*%s: name collision after %d attempts", prefix, suffix, maxAllocAttempts)
}

// Reserve returns a fresh unique path without creating it, for artifacts that
// another process writes.
func (m *Manager) Reserve(prefix, suffix string) string {
	return filepath.Join(m.dir, sanitizeAffix(prefix)+uuid.NewString()+sanitizeAffix(suffix))
}

// Sweep removes regular files in the scratch dir last modified before
// now-olderThan. It returns the number of files removed.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("scratch: sweep: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := Release(filepath.Join(m.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) NewScope() *Scope {
	return &Scope{m: m}
}

// Release removes path. A file that is already gone is not an error.
func Release(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("scratch: release: %w", err)
	}
	return nil
}

// Scope tracks every path of one invocation. It is safe for concurrent use.
type Scope struct {
	m     *Manager
	mu    sync.Mutex
	paths []string
}

func (s *Scope) Allocate(prefix, suffix string) (string, error) {
	path, err := s.m.Allocate(prefix, suffix)
	if err != nil {
		return "", err
	}
	s.Track(path)
	return path, nil
}

func (s *Scope) Reserve(prefix, suffix string) string {
	path := s.m.Reserve(prefix, suffix)
	s.Track(path)
	return path
}

// Track registers a path created outside the scope (e.g. by a child process).
func (s *Scope) Track(path string) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
}

// Len reports how many paths are currently tracked.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Release removes every tracked path. Calling it again is a no-op.
func (s *Scope) Release() error {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := Release(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sanitizeAffix keeps caller-supplied prefixes from escaping the scratch dir.
func sanitizeAffix(s string) string {
	s = filepath.Base(filepath.Clean("/" + s))
	if s == "/" || s == "." {
		return ""
	}
	return s
}
