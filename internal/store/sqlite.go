package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the sqlite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the account database at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const accountColumns = `id, owner_id, name, email_address, status, automation_mode, refresh_token, sync_cursor, created_at, updated_at`

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		acct      Account
		cursor    sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&acct.ID, &acct.OwnerID, &acct.Name, &acct.EmailAddress,
		&acct.Status, &acct.AutomationMode, &acct.RefreshToken, &cursor,
		&createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if cursor.Valid {
		acct.SyncCursor = uint64(cursor.Int64)
	}
	acct.CreatedAt = time.Unix(createdAt, 0)
	acct.UpdatedAt = time.Unix(updatedAt, 0)
	return &acct, nil
}

// GetByID looks up an account by its primary key.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetByEmail looks up an account by its unique mailbox address.
func (s *SQLiteStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email_address = ?`, email)
	return scanAccount(row)
}

// Upsert inserts the account or updates the existing row keyed by email
// address. Re-authorization therefore never creates a duplicate mailbox
// record, and an empty incoming refresh token keeps the stored credential.
func (s *SQLiteStore) Upsert(ctx context.Context, acct *Account) (*Account, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, name, email_address, status, automation_mode, refresh_token, sync_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(email_address) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE refresh_token END,
			updated_at = excluded.updated_at
	`, acct.ID, acct.OwnerID, acct.Name, acct.EmailAddress, acct.Status,
		acct.AutomationMode, acct.RefreshToken, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}

	return s.GetByEmail(ctx, acct.EmailAddress)
}

// AdvanceCursor is the conditional, advance-only cursor write. The WHERE
// clause is the compare-and-swap that closes the concurrent-notification
// race: a stale writer matches zero rows.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, id string, cursor uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_cursor = ?, updated_at = ?
		WHERE id = ? AND (sync_cursor IS NULL OR sync_cursor < ?)
	`, int64(cursor), time.Now().Unix(), id, int64(cursor))
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SetStatus updates the lifecycle status of an account.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendRelayBatch records an undelivered relay payload for out-of-band
// redelivery. The UNIQUE msg_id keeps duplicate handler invocations from
// queueing the same batch twice.
func (s *SQLiteStore) AppendRelayBatch(ctx context.Context, subject string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relay_outbox (ts, subject, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?)
	`, now, subject, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to append relay batch: %w", err)
	}
	return nil
}

// DequeueRelayOutbox fetches unpublished batches that are due.
func (s *SQLiteStore) DequeueRelayOutbox(ctx context.Context, limit int) ([]OutboxBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM relay_outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay outbox: %w", err)
	}
	defer rows.Close()

	var batches []OutboxBatch
	for rows.Next() {
		var b OutboxBatch
		if err := rows.Scan(&b.ID, &b.Subject, &b.Payload, &b.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// MarkRelayPublished marks an outbox batch as published.
func (s *SQLiteStore) MarkRelayPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE relay_outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkRelayRetry bumps the retry count and reschedules the batch.
func (s *SQLiteStore) MarkRelayRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE relay_outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
