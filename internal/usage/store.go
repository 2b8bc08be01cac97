// Package usage persists a per-request ledger so the API can report
// token spend and error rates per provider across restarts.
package usage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one completed (or failed) upstream request.
type Record struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ProviderUsage aggregates the ledger per provider.
type ProviderUsage struct {
	Provider         string `json:"provider"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Errors           int    `json:"errors"`
}

// Store is a SQLite-backed request ledger.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger database and runs migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage store: open: %w", err)
	}

	// WAL so status reads don't block request writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage store: wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id                TEXT PRIMARY KEY,
			provider          TEXT NOT NULL,
			model             TEXT NOT NULL DEFAULT '',
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			error_kind        TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider);
		CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
	`)
	if err != nil {
		return fmt.Errorf("usage store: migrate: %w", err)
	}
	return nil
}

// Record inserts one ledger row. A zero ID gets a fresh uuid; a zero
// CreatedAt gets the current time.
func (s *Store) Record(r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO requests (id, provider, model, prompt_tokens, completion_tokens, duration_ms, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Provider, r.Model, r.PromptTokens, r.CompletionTokens, r.DurationMS, r.ErrorKind,
		r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("usage store: record: %w", err)
	}
	return nil
}

// Summary aggregates the whole ledger per provider, ordered by name.
func (s *Store) Summary() ([]ProviderUsage, error) {
	rows, err := s.db.Query(`
		SELECT provider,
		       COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END), 0)
		FROM requests
		GROUP BY provider
		ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("usage store: summary: %w", err)
	}
	defer rows.Close()

	var out []ProviderUsage
	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Requests, &u.PromptTokens, &u.CompletionTokens, &u.Errors); err != nil {
			return nil, fmt.Errorf("usage store: scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Recent returns the newest ledger rows, most recent first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, provider, model, prompt_tokens, completion_tokens, duration_ms, error_kind, created_at
		FROM requests
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("usage store: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Provider, &r.Model, &r.PromptTokens, &r.CompletionTokens,
			&r.DurationMS, &r.ErrorKind, &created); err != nil {
			return nil, fmt.Errorf("usage store: scan: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
