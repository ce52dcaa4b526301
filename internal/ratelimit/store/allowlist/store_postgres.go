package allowlist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aegis/internal/ratelimit/models"
	"aegis/pkg/platform/circuit"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
)

// Schema creates the allowlist table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limit_allowlist (
	id          TEXT PRIMARY KEY,
	entry_type  TEXT NOT NULL,
	identifier  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	expires_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	UNIQUE (entry_type, identifier)
);
CREATE INDEX IF NOT EXISTS rate_limit_allowlist_identifier_idx ON rate_limit_allowlist (identifier);
`

const (
	upsertEntrySQL = `
INSERT INTO rate_limit_allowlist (id, entry_type, identifier, reason, expires_at, created_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (entry_type, identifier) DO UPDATE
SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at,
    created_at = EXCLUDED.created_at, created_by = EXCLUDED.created_by`
	deleteEntrySQL   = `DELETE FROM rate_limit_allowlist WHERE entry_type = $1 AND identifier = $2`
	isAllowlistedSQL = `
SELECT EXISTS (
	SELECT 1 FROM rate_limit_allowlist
	WHERE identifier = $1 AND (expires_at IS NULL OR expires_at > $2)
)`
	listEntriesSQL = `
SELECT id, entry_type, identifier, reason, expires_at, created_at, created_by
FROM rate_limit_allowlist
WHERE expires_at IS NULL OR expires_at > $1
ORDER BY created_at DESC`
	deleteExpiredSQL = `DELETE FROM rate_limit_allowlist WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// PostgresStore persists allowlist entries in PostgreSQL. When a breaker is
// configured every query runs through it.
type PostgresStore struct {
	db      *sql.DB
	breaker *circuit.Breaker
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithBreaker guards queries with the datastore breaker.
func WithBreaker(b *circuit.Breaker) PostgresOption {
	return func(s *PostgresStore) {
		s.breaker = b
	}
}

// NewPostgres constructs a PostgreSQL-backed allowlist store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func guarded[T any](ctx context.Context, s *PostgresStore, op func(context.Context) (T, error)) (T, error) {
	if s.breaker == nil {
		return op(ctx)
	}
	return circuit.Execute(ctx, s.breaker, op)
}

// Migrate creates the table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := guarded(ctx, s, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, Schema)
	})
	if err != nil {
		return fmt.Errorf("migrate allowlist: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, entry *models.AllowlistEntry) error {
	if entry == nil {
		return fmt.Errorf("allowlist entry is required")
	}
	_, err := guarded(ctx, s, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, upsertEntrySQL,
			entry.ID,
			string(entry.Type),
			entry.Identifier,
			entry.Reason,
			nullTime(entry.ExpiresAt),
			entry.CreatedAt,
			entry.CreatedBy,
		)
	})
	if err != nil {
		return fmt.Errorf("add allowlist entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, entryType models.AllowlistEntryType, identifier string) error {
	res, err := guarded(ctx, s, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, deleteEntrySQL, string(entryType), identifier)
	})
	if err != nil {
		return fmt.Errorf("remove allowlist entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("remove allowlist entry %s:%s: %w", entryType, identifier, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IsAllowlisted(ctx context.Context, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}
	now := requestcontext.Now(ctx)
	exists, err := guarded(ctx, s, func(ctx context.Context) (bool, error) {
		var exists bool
		err := s.db.QueryRowContext(ctx, isAllowlistedSQL, identifier, now).Scan(&exists)
		return exists, err
	})
	if err != nil {
		return false, fmt.Errorf("check allowlist: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.AllowlistEntry, error) {
	now := requestcontext.Now(ctx)
	entries, err := guarded(ctx, s, func(ctx context.Context) ([]*models.AllowlistEntry, error) {
		rows, err := s.db.QueryContext(ctx, listEntriesSQL, now)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []*models.AllowlistEntry
		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		return entries, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list allowlist entries: %w", err)
	}
	return entries, nil
}

// StartCleanup runs periodic cleanup of expired entries until ctx is cancelled.
// A failed pass is retried on the next tick.
func (s *PostgresStore) StartCleanup(ctx context.Context, interval time.Duration, onError func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if err := s.RemoveExpiredAt(ctx, now); err != nil && onError != nil && !errors.Is(err, context.Canceled) {
				onError(err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RemoveExpiredAt removes all entries that have expired as of the given time.
// Exported for testability; background cleanup passes wall-clock time.
func (s *PostgresStore) RemoveExpiredAt(ctx context.Context, now time.Time) error {
	_, err := guarded(ctx, s, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, deleteExpiredSQL, now)
	})
	if err != nil {
		return fmt.Errorf("cleanup allowlist entries: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.AllowlistEntry, error) {
	var (
		entry     models.AllowlistEntry
		entryType string
		expiresAt sql.NullTime
	)
	if err := row.Scan(&entry.ID, &entryType, &entry.Identifier, &entry.Reason, &expiresAt, &entry.CreatedAt, &entry.CreatedBy); err != nil {
		return nil, err
	}
	entry.Type = models.AllowlistEntryType(entryType)
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}
	return &entry, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
