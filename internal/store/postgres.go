package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresConfig struct {
	ConnString string
	TableName  string
}

// Postgres keeps one row per publication with the reference page text as a
// text[] of OCR lines.
type Postgres struct {
	config PostgresConfig
	pool   *pgxpool.Pool
}

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func NewPostgres(ctx context.Context, config PostgresConfig) (*Postgres, error) {
	if config.TableName == "" {
		config.TableName = "reference_pages"
	}
	if !tableNameRe.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Postgres{config: config, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the reference table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			isbn       BIGINT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			page       INTEGER NOT NULL,
			contents   TEXT[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.TableName)

	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (s *Postgres) Lookup(ctx context.Context, isbn int64) (Reference, error) {
	query := fmt.Sprintf(`
		SELECT isbn, title, page, contents, created_at
		FROM %s
		WHERE isbn = $1`, s.config.TableName)

	var ref Reference
	err := s.pool.QueryRow(ctx, query, isbn).Scan(&ref.ISBN, &ref.Title, &ref.Page, &ref.Lines, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reference{}, ErrNotFound
	}
	if err != nil {
		return Reference{}, fmt.Errorf("lookup %d: %w", isbn, err)
	}
	if !hasContents(ref.Lines) {
		return Reference{}, ErrNoContents
	}
	return ref, nil
}

func (s *Postgres) InsertReferencePage(ctx context.Context, isbn int64, page int, lines []string) (Reference, error) {
	if isbn <= 0 || page <= 0 {
		return Reference{}, errors.New("isbn and page must be positive")
	}
	clean := make([]string, len(lines))
	for i, ln := range lines {
		clean[i] = sanitizeUTF8(ln)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (isbn, page, contents)
		VALUES ($1, $2, $3)
		ON CONFLICT (isbn) DO UPDATE SET
			page = EXCLUDED.page,
			contents = EXCLUDED.contents,
			created_at = now()
		RETURNING title, created_at`, s.config.TableName)

	ref := Reference{ISBN: isbn, Page: page, Lines: clean}
	if err := s.pool.QueryRow(ctx, stmt, isbn, page, clean).Scan(&ref.Title, &ref.CreatedAt); err != nil {
		return Reference{}, fmt.Errorf("insert reference page: %w", err)
	}
	return ref, nil
}

func (s *Postgres) Identifiers(ctx context.Context) ([]Summary, error) {
	query := fmt.Sprintf(`
		SELECT isbn, title, page
		FROM %s
		WHERE cardinality(contents) > 0
		ORDER BY isbn`, s.config.TableName)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Summary, error) {
		var sm Summary
		err := row.Scan(&sm.ISBN, &sm.Title, &sm.Page)
		return sm, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}
	return out, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// sanitizeUTF8 drops invalid bytes; Postgres rejects them in TEXT columns.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
