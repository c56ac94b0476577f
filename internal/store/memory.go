package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu   sync.RWMutex
	refs map[int64]Reference
}

func NewMemory() *Memory {
	return &Memory{refs: map[int64]Reference{}}
}

// Seed registers a publication. Lines may be empty to model a publication
// whose reference page was never captured.
func (m *Memory) Seed(ref Reference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref.Lines = append([]string(nil), ref.Lines...)
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	m.refs[ref.ISBN] = ref
}

func (m *Memory) Lookup(ctx context.Context, isbn int64) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	m.mu.RLock()
	ref, ok := m.refs[isbn]
	m.mu.RUnlock()
	if !ok {
		return Reference{}, ErrNotFound
	}
	if !hasContents(ref.Lines) {
		return Reference{}, ErrNoContents
	}
	ref.Lines = append([]string(nil), ref.Lines...)
	return ref, nil
}

func (m *Memory) InsertReferencePage(ctx context.Context, isbn int64, page int, lines []string) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	if isbn <= 0 || page <= 0 {
		return Reference{}, errors.New("isbn and page must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.refs[isbn]
	ref.ISBN = isbn
	ref.Page = page
	ref.Lines = append([]string(nil), lines...)
	ref.CreatedAt = time.Now().UTC()
	m.refs[isbn] = ref

	out := ref
	out.Lines = append([]string(nil), ref.Lines...)
	return out, nil
}

func (m *Memory) Identifiers(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Summary, 0, len(m.refs))
	for _, r := range m.refs {
		if !hasContents(r.Lines) {
			continue
		}
		out = append(out, Summary{ISBN: r.ISBN, Title: r.Title, Page: r.Page})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ISBN < out[j].ISBN })
	return out, nil
}

func (m *Memory) Close() {}
