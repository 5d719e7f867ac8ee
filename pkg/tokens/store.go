// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Store persists token records in SQLite. The gateway only reads records;
// the write API exists for the token administration tooling.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the token database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}

	// modernc sqlite misbehaves under concurrent writers on one handle;
	// serialise access through a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping token database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// tokenColumns is the SELECT column list shared by all token queries.
const tokenColumns = `id, username, token_hash, token_salt, token_prefix,
	created_at, expires_at, revoked_at, last_used_at,
	allowed_scopes, allowed_environments, description`

// Create inserts a new token record, filling in its ID and CreatedAt.
func (s *Store) Create(ctx context.Context, record *TokenRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (
			username, token_hash, token_salt, token_prefix, created_at,
			expires_at, revoked_at, last_used_at, allowed_scopes,
			allowed_environments, description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Username,
		record.TokenHash,
		record.TokenSalt,
		record.TokenPrefix,
		formatTime(record.CreatedAt),
		formatNullableTime(record.ExpiresAt),
		formatNullableTime(record.RevokedAt),
		formatNullableTime(record.LastUsedAt),
		record.AllowedScopes,
		record.AllowedEnvironments,
		record.Description,
	)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	record.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting token id: %w", err)
	}

	return nil
}

// Get retrieves a token record by ID.
func (s *Store) Get(ctx context.Context, id int64) (TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// FindByPrefix returns every record sharing the given lookup prefix,
// including revoked and expired ones; the caller decides which are usable.
func (s *Store) FindByPrefix(ctx context.Context, prefix []byte) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_prefix = ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("querying tokens by prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []TokenRecord
	for rows.Next() {
		record, scanErr := scanToken(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}

	return records, nil
}

// List returns all token records ordered by creation.
func (s *Store) List(ctx context.Context) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []TokenRecord
	for rows.Next() {
		record, scanErr := scanToken(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}

	return records, nil
}

// Revoke marks a token revoked at the given time. Revoking an already
// revoked token keeps the original revocation time.
func (s *Store) Revoke(ctx context.Context, id int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(at.UTC()), id)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		var exists int64
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("looking up token: %w", err)
		}
		// Already revoked.
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// TouchLastUsed records when a token last authenticated a request.
func (s *Store) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_used_at = ? WHERE id = ?`,
		formatTime(at.UTC()), id)
	if err != nil {
		return fmt.Errorf("updating token last use: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanToken(sc scanner) (TokenRecord, error) {
	var (
		record     TokenRecord
		createdAt  string
		expiresAt  sql.NullString
		revokedAt  sql.NullString
		lastUsedAt sql.NullString
	)

	err := sc.Scan(
		&record.ID, &record.Username, &record.TokenHash, &record.TokenSalt,
		&record.TokenPrefix, &createdAt, &expiresAt, &revokedAt, &lastUsedAt,
		&record.AllowedScopes, &record.AllowedEnvironments, &record.Description,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenRecord{}, ErrTokenNotFound
		}
		return TokenRecord{}, fmt.Errorf("scanning token row: %w", err)
	}

	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return TokenRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if record.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
		return TokenRecord{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if record.RevokedAt, err = parseNullableTime(revokedAt); err != nil {
		return TokenRecord{}, fmt.Errorf("parsing revoked_at: %w", err)
	}
	if record.LastUsedAt, err = parseNullableTime(lastUsedAt); err != nil {
		return TokenRecord{}, fmt.Errorf("parsing last_used_at: %w", err)
	}

	return record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullableTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
