// Package store holds reference pages: for each publication (identified by
// its ISBN) the page a reader must photograph and the text expected on it.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound means no publication has this identifier.
	ErrNotFound = errors.New("publication not found")
	// ErrNoContents means the publication exists but has no reference text.
	ErrNoContents = errors.New("publication has no reference contents")
)

// Reference is the stored ground truth for one publication.
type Reference struct {
	ISBN      int64     `json:"isbn"`
	Title     string    `json:"title,omitempty"`
	Page      int       `json:"page"`
	Lines     []string  `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary is a listing entry.
type Summary struct {
	ISBN  int64  `json:"isbn"`
	Title string `json:"title,omitempty"`
	Page  int    `json:"page"`
}

type Store interface {
	// Lookup returns ErrNotFound or ErrNoContents when there is nothing to
	// match against.
	Lookup(ctx context.Context, isbn int64) (Reference, error)
	// InsertReferencePage stores (or replaces) the reference page of isbn.
	InsertReferencePage(ctx context.Context, isbn int64, page int, lines []string) (Reference, error)
	// Identifiers lists every publication that has a reference page.
	Identifiers(ctx context.Context) ([]Summary, error)
	Close()
}

// IsMiss reports whether err means "nothing to verify against".
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoContents)
}

func hasContents(lines []string) bool {
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			return true
		}
	}
	return false
}
