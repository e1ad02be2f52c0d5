package mandate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists mandates across agent runs in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a mandate cache at path and runs
// the schema migration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mandate cache: %w", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS mandates (
        subject TEXT PRIMARY KEY,
        token TEXT NOT NULL,
        budget_usd REAL NOT NULL,
        budget_remaining REAL NOT NULL,
        scope TEXT NOT NULL DEFAULT '',
        issued_at DATETIME,
        expires_at DATETIME
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, subject string) (*Mandate, error) {
	query := `
        SELECT subject, token, budget_usd, budget_remaining, scope, issued_at, expires_at
        FROM mandates
        WHERE subject = ?
    `
	row := s.db.QueryRowContext(ctx, query, subject)

	var m Mandate
	var issuedAt, expiresAt sql.NullTime
	err := row.Scan(&m.Subject, &m.Token, &m.BudgetUSD, &m.BudgetRemaining, &m.Scope, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mandate for %s: %w", subject, err)
	}
	if issuedAt.Valid {
		m.IssuedAt = issuedAt.Time.UTC()
	}
	if expiresAt.Valid {
		m.ExpiresAt = expiresAt.Time.UTC()
	}
	return &m, nil
}

func (s *SQLiteStore) Put(ctx context.Context, m Mandate) error {
	query := `
        INSERT INTO mandates (subject, token, budget_usd, budget_remaining, scope, issued_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(subject) DO UPDATE SET
            token = excluded.token,
            budget_usd = excluded.budget_usd,
            budget_remaining = excluded.budget_remaining,
            scope = excluded.scope,
            issued_at = excluded.issued_at,
            expires_at = excluded.expires_at
    `
	_, err := s.db.ExecContext(ctx, query,
		m.Subject, m.Token, m.BudgetUSD, m.BudgetRemaining, m.Scope,
		nullableTime(m.IssuedAt), nullableTime(m.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to store mandate for %s: %w", m.Subject, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
